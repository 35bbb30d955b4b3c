package ingest

import (
	"reflect"
	"testing"

	"github.com/hyperjump/shoko/internal/models"
)

func draft(content string) models.UnitDraft {
	return models.UnitDraft{
		Modality: models.ModalityText,
		BBox:     models.BBox{X1: 100, Y1: 20},
		Content:  content,
	}
}

func heading(title string, level int) models.UnitDraft {
	d := draft(title)
	d.SectionHeading = title
	d.HeadingLevel = level
	return d
}

func paths(pages []*models.PageDraft) [][]string {
	var out [][]string
	for _, p := range pages {
		for i := range p.Units {
			out = append(out, p.Units[i].SectionPath)
		}
	}
	return out
}

func TestAssignSectionPaths_HeadingStack(t *testing.T) {
	pages := []*models.PageDraft{
		{PageNo: 1, Units: []models.UnitDraft{
			heading("Warranty", 1),
			draft("body under warranty"),
			heading("Terms", 2),
			draft("body under terms"),
			heading("Duration", 3),
			draft("body under duration"),
			heading("Claims", 2),
			draft("body under claims"),
			heading("Appendix", 1),
			draft("body under appendix"),
		}},
	}
	assignSectionPaths(pages, nil)

	want := [][]string{
		{"Warranty"},
		{"Warranty"},
		{"Warranty", "Terms"},
		{"Warranty", "Terms"},
		{"Warranty", "Terms", "Duration"},
		{"Warranty", "Terms", "Duration"},
		{"Warranty", "Claims"},
		{"Warranty", "Claims"},
		{"Appendix"},
		{"Appendix"},
	}
	if got := paths(pages); !reflect.DeepEqual(got, want) {
		t.Errorf("got %v\nwant %v", got, want)
	}
}

func TestAssignSectionPaths_CarriesAcrossPages(t *testing.T) {
	pages := []*models.PageDraft{
		{PageNo: 1, Units: []models.UnitDraft{heading("Warranty", 1), draft("a")}},
		{PageNo: 2, Units: []models.UnitDraft{draft("continues on next page")}},
	}
	assignSectionPaths(pages, nil)
	got := pages[1].Units[0].SectionPath
	if !reflect.DeepEqual(got, []string{"Warranty"}) {
		t.Errorf("section should carry across pages, got %v", got)
	}
}

func TestAssignSectionPaths_Seed(t *testing.T) {
	pages := []*models.PageDraft{
		{PageNo: 4, Units: []models.UnitDraft{draft("appended body"), heading("New Chapter", 1), draft("fresh")}},
	}
	assignSectionPaths(pages, []string{"Warranty", "Claims"})

	got := paths(pages)
	want := [][]string{
		{"Warranty", "Claims"},
		{"New Chapter"},
		{"New Chapter"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v\nwant %v", got, want)
	}
}

func TestAssignSectionPaths_LevelClamping(t *testing.T) {
	pages := []*models.PageDraft{
		{PageNo: 1, Units: []models.UnitDraft{
			heading("Implied Level One", 0),
			heading("Too Deep", 9),
			draft("body"),
		}},
	}
	assignSectionPaths(pages, nil)
	got := pages[0].Units[2].SectionPath
	want := []string{"Implied Level One", "Too Deep"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestAssignSectionPaths_ParserPathPreserved(t *testing.T) {
	d := draft("already classified")
	d.SectionPath = []string{"From Parser"}
	pages := []*models.PageDraft{
		{PageNo: 1, Units: []models.UnitDraft{heading("Warranty", 1), d}},
	}
	assignSectionPaths(pages, nil)
	if !reflect.DeepEqual(pages[0].Units[1].SectionPath, []string{"From Parser"}) {
		t.Errorf("parser-provided path overwritten: %v", pages[0].Units[1].SectionPath)
	}
}

func TestAssignSectionPaths_NoHeadings(t *testing.T) {
	pages := []*models.PageDraft{
		{PageNo: 1, Units: []models.UnitDraft{draft("a"), draft("b")}},
	}
	assignSectionPaths(pages, nil)
	for _, p := range paths(pages) {
		if len(p) != 0 {
			t.Errorf("expected empty path, got %v", p)
		}
	}
}
