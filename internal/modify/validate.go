package modify

import (
	"strings"
	"unicode/utf8"

	"github.com/russross/blackfriday/v2"
)

// Heading is one entry of a document outline.
type Heading struct {
	Level int
	Text  string
}

// Validate parses doc as markdown and returns its outline. A document that is
// not UTF-8 or that has an empty heading is rejected.
func Validate(doc []byte) ([]Heading, error) {
	if !utf8.Valid(doc) {
		return nil, conflict("document is not valid UTF-8")
	}
	md := blackfriday.New(blackfriday.WithExtensions(blackfriday.CommonExtensions))
	root := md.Parse(doc)

	var outline []Heading
	var err error
	root.Walk(func(n *blackfriday.Node, entering bool) blackfriday.WalkStatus {
		if !entering || n.Type != blackfriday.Heading {
			return blackfriday.GoToNext
		}
		text := strings.TrimSpace(nodeText(n))
		if text == "" {
			err = conflict("empty level %d heading", n.HeadingData.Level)
			return blackfriday.Terminate
		}
		outline = append(outline, Heading{Level: n.HeadingData.Level, Text: text})
		return blackfriday.SkipChildren
	})
	return outline, err
}

func nodeText(n *blackfriday.Node) string {
	var b strings.Builder
	n.Walk(func(c *blackfriday.Node, entering bool) blackfriday.WalkStatus {
		if entering && (c.Type == blackfriday.Text || c.Type == blackfriday.Code) {
			b.Write(c.Literal)
		}
		return blackfriday.GoToNext
	})
	return b.String()
}

// checkResult validates the modified document: it must parse, keep every
// heading the original had, and contain the section the modification targeted.
func checkResult(before, after []byte, m Modification) error {
	got, err := Validate(after)
	if err != nil {
		return err
	}
	had, _ := Validate(before)

	remaining := make(map[string]int)
	for _, h := range got {
		remaining[strings.ToLower(h.Text)]++
	}
	for _, h := range had {
		key := strings.ToLower(h.Text)
		if m.Kind == ReplaceText && strings.Contains(strings.ToLower(m.Find), key) {
			continue
		}
		if remaining[key] == 0 {
			return conflict("modification removed heading %q", h.Text)
		}
		remaining[key]--
	}

	if m.Kind == AddSection || m.Kind == UpdateSection {
		for _, h := range got {
			if sameHeading(h.Text, m.Section) {
				return nil
			}
		}
		return conflict("section %q missing after modification", m.Section)
	}
	return nil
}
