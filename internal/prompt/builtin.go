package prompt

// builtinTemplates maps template filename to content.
var builtinTemplates = map[string]string{
	StageTemplate:      stageTemplate,
	CheckpointTemplate: checkpointTemplate,
	ArbiterTemplate:    arbiterTemplate,
}

// Built-in template names.
const (
	StageTemplate      = "stage.md"
	CheckpointTemplate = "checkpoint.md"
	ArbiterTemplate    = "arbiter.md"
)

const stageTemplate = `# {{stage}}: {{spec_id}} (attempt {{attempt}})

You are one of several independent agents working on the same stage. Your
answer is compared with the others; agreements are kept and conflicts are
retried or sent to a human.

## Goal
{{goal}}

## Document
{{document}}

{{#if human_decisions}}
## Decisions already made by a human
{{human_decisions}}
{{/if}}

{{#if retry_context}}
## Previous attempt
{{retry_context}}
{{/if}}

## Response format
Reply with a single JSON object and nothing else:

` + "```json" + `
{{schema}}
` + "```" + `

Write "content" as one statement per line so it can be compared with the
other agents. Use "key: value" lines for decisions.
`

const checkpointTemplate = `# Quality gate {{checkpoint}}: {{spec_id}} (attempt {{attempt}})

Review the document below before the {{next_stage}} stage starts. List every
ambiguity, gap or inconsistency as an issue and answer it yourself. Other
agents review the same document; issues are matched by id, so use short
stable ids derived from the topic (for example "auth-token-ttl").

For each issue give:
- confidence: high, medium or low
- magnitude: critical, important or minor
- resolvability: auto-fix, suggest-fix or need-human
- section: the heading the answer belongs under, if any
- find: exact text the answer should replace, if any

## Document
{{document}}

{{#if retry_context}}
## Previous attempt
{{retry_context}}
{{/if}}

## Response format
Reply with a single JSON object and nothing else:

` + "```json" + `
{{schema}}
` + "```" + `
`

const arbiterTemplate = `# Arbitration: {{spec_id}} issue {{issue_id}}

Several agents answered the same question and did not all agree. Decide
which answer is correct for this document.

## Question
{{question}}

{{#if context}}
## Context
{{context}}
{{/if}}

## Answers
{{answers}}

{{#if reasoning}}
## Reasoning given by each agent
{{reasoning}}
{{/if}}

## Majority answer
{{majority}}

## Document
{{document}}

## Response format
Reply with a single JSON object and nothing else. Repeat the majority answer
verbatim if you agree with it.

` + "```json" + `
{{schema}}
` + "```" + `
`
