package ingest

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/firedesk/backend/internal/models"
)

func TestTicketRows(t *testing.T) {
	records, err := ReadTable("tickets.csv", strings.NewReader(
		"guid,description,segment,birth_date,gender,country,region,city,street,house,attachments\n"+
			"g-1,Не работает приложение,VIP,15.03.1990,M,Казахстан,,Астана,Абая,10,screen.png;log.txt\n"+
			"g-2,Вопрос по тарифам,Mass,,,Казахстан,,Алматы,,,\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	batchID := uuid.New()
	res := TicketRows(records, batchID)
	if len(res.Rows) != 2 || len(res.Errors) != 0 {
		t.Fatalf("unexpected result: %d rows, errors %v", len(res.Rows), res.Errors)
	}

	first := res.Rows[0]
	if first.BatchID != batchID || first.CSVRowIndex != 0 {
		t.Fatalf("row bookkeeping wrong: %+v", first)
	}
	if first.Segment != models.SegmentVIP {
		t.Fatalf("expected VIP segment, got %s", first.Segment)
	}
	if first.Age == nil || *first.Age < 30 {
		t.Fatalf("expected an age derived from the birth date, got %v", first.Age)
	}
	if len(first.Attachments) != 2 {
		t.Fatalf("expected two attachments, got %v", first.Attachments)
	}
	if res.Rows[1].Segment != models.SegmentMass {
		t.Fatalf("expected Mass fallback, got %s", res.Rows[1].Segment)
	}
}

func TestAgentRows(t *testing.T) {
	records := [][]string{
		{"id", "full_name", "position", "skills", "skill_factor", "office_id", "load", "is_active"},
		{"a-1", "Иванова А.", "Глав спец", "VIP;KZ", "1.5", "o-ast", "2", "true"},
		{"", "Без идентификатора", "", "", "", "", "", ""},
	}
	res := AgentRows(records)
	if len(res.Rows) != 1 || len(res.Errors) != 1 {
		t.Fatalf("unexpected result: %+v / %v", res.Rows, res.Errors)
	}
	a := res.Rows[0]
	if a.Position != models.PositionChief {
		t.Fatalf("expected chief position, got %s", a.Position)
	}
	if len(a.Skills) != 2 || a.Skills[0] != "VIP" {
		t.Fatalf("unexpected skills: %v", a.Skills)
	}
	if a.SkillFactor != 1.5 || a.Load != 2 || !a.IsActive {
		t.Fatalf("unexpected agent numbers: %+v", a)
	}
}

func TestOfficeRows(t *testing.T) {
	records := [][]string{
		{"id", "name", "address", "lat", "lon"},
		{"o-1", "Astana HQ", "пр. Мангилик Ел 55", "51.0905", "71.4184"},
		{"o-2", "No coords", "", "", ""},
	}
	res := OfficeRows(records)
	if len(res.Rows) != 2 {
		t.Fatalf("unexpected rows: %+v", res.Rows)
	}
	if res.Rows[0].Lat == nil || *res.Rows[0].Lat != 51.0905 {
		t.Fatalf("expected parsed coordinates, got %+v", res.Rows[0])
	}
	if res.Rows[1].Lat != nil {
		t.Fatalf("expected nil coordinates for empty cells")
	}
}

func TestParseBirthDateFormats(t *testing.T) {
	for _, tc := range []struct {
		raw  string
		want string
	}{
		{"15.03.1990", "1990-03-15"},
		{"1990-03-15", "1990-03-15"},
		{"15/03/1990", "1990-03-15"},
		{"15.03.1990 00:00:00", "1990-03-15"},
		{"1990.03.15", "1990-03-15"},
	} {
		got := ParseBirthDate(tc.raw)
		if got == nil {
			t.Fatalf("%q: expected a date", tc.raw)
		}
		if got.Format("2006-01-02") != tc.want {
			t.Fatalf("%q: got %s, want %s", tc.raw, got.Format("2006-01-02"), tc.want)
		}
	}
}

func TestParseBirthDateRejectsJunk(t *testing.T) {
	for _, raw := range []string{"", "   ", "не дата", "3055-01-01"} {
		if got := ParseBirthDate(raw); got != nil {
			t.Fatalf("%q: expected nil, got %v", raw, got)
		}
	}
}

func TestAgeAt(t *testing.T) {
	birth := time.Date(1990, 3, 15, 0, 0, 0, 0, time.UTC)
	if got := AgeAt(birth, time.Date(2024, 3, 14, 0, 0, 0, 0, time.UTC)); got != 33 {
		t.Fatalf("day before the birthday: got %d", got)
	}
	if got := AgeAt(birth, time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)); got != 34 {
		t.Fatalf("on the birthday: got %d", got)
	}
}

func TestReadTableRejectsUnknownExtension(t *testing.T) {
	if _, err := ReadTable("data.pdf", strings.NewReader("x")); err == nil {
		t.Fatalf("expected an error for unsupported extensions")
	}
}
