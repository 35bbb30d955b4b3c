package ingest

import "github.com/hyperjump/shoko/internal/models"

const maxHeadingLevel = 3

type sectionFrame struct {
	level int
	title string
}

// assignSectionPaths fills SectionPath on every draft by walking pages in
// ascending page order and maintaining a heading stack. A heading at level L
// closes all open sections at level >= L before opening its own, and the
// heading unit itself belongs to the section it opens. seed is the path in
// effect at the end of the preceding stored page, so appended pages continue
// the document's section structure instead of starting blank.
func assignSectionPaths(pages []*models.PageDraft, seed []string) {
	stack := make([]sectionFrame, 0, maxHeadingLevel)
	for i, title := range seed {
		if i >= maxHeadingLevel {
			break
		}
		stack = append(stack, sectionFrame{level: i + 1, title: title})
	}
	for _, page := range pages {
		for i := range page.Units {
			d := &page.Units[i]
			if d.SectionHeading != "" {
				level := d.HeadingLevel
				if level < 1 {
					level = 1
				}
				if level > maxHeadingLevel {
					level = maxHeadingLevel
				}
				for len(stack) > 0 && stack[len(stack)-1].level >= level {
					stack = stack[:len(stack)-1]
				}
				stack = append(stack, sectionFrame{level: level, title: d.SectionHeading})
			}
			if len(d.SectionPath) == 0 {
				path := make([]string, len(stack))
				for j, f := range stack {
					path[j] = f.title
				}
				d.SectionPath = path
			}
		}
	}
}
