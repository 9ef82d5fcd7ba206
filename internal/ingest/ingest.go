package ingest

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/firedesk/backend/internal/models"
)

// ParseResult carries successfully parsed rows plus per-row errors; a
// bad row never sinks the upload.
type ParseResult[T any] struct {
	Rows   []T
	Errors []string
}

// TicketRows maps tabular records onto tickets. The first record is the
// header; column order follows the upstream export.
func TicketRows(records [][]string, batchID uuid.UUID) ParseResult[models.Ticket] {
	var out ParseResult[models.Ticket]
	if len(records) < 2 {
		return out
	}
	idx := headerIndex(records[0])
	now := time.Now().UTC()

	for i, rec := range records[1:] {
		get := func(name string) string { return field(rec, idx, name) }

		description := get("description")
		if strings.TrimSpace(description) == "" && strings.TrimSpace(get("guid")) == "" {
			out.Errors = append(out.Errors, fmt.Sprintf("row %d: empty record", i+1))
			continue
		}

		t := models.Ticket{
			ID:           uuid.New(),
			BatchID:      batchID,
			CustomerGUID: strings.TrimSpace(get("guid")),
			CSVRowIndex:  i,
			Description:  description,
			Segment:      parseSegment(get("segment")),
			Gender:       strings.TrimSpace(get("gender")),
			Country:      strings.TrimSpace(get("country")),
			Region:       strings.TrimSpace(get("region")),
			City:         strings.TrimSpace(get("city")),
			Street:       strings.TrimSpace(get("street")),
			House:        strings.TrimSpace(get("house")),
			Status:       models.TicketIngested,
			CreatedAt:    now,
		}
		if bd := ParseBirthDate(get("birth_date")); bd != nil {
			t.BirthDate = bd
			age := AgeAt(*bd, now)
			t.Age = &age
		}
		if raw := strings.TrimSpace(get("attachments")); raw != "" {
			for _, a := range strings.Split(raw, ";") {
				if a = strings.TrimSpace(a); a != "" {
					t.Attachments = append(t.Attachments, a)
				}
			}
		}
		out.Rows = append(out.Rows, t)
	}
	return out
}

func AgentRows(records [][]string) ParseResult[models.Agent] {
	var out ParseResult[models.Agent]
	if len(records) < 2 {
		return out
	}
	idx := headerIndex(records[0])
	now := time.Now().UTC()

	for i, rec := range records[1:] {
		get := func(name string) string { return field(rec, idx, name) }

		id := strings.TrimSpace(get("id"))
		if id == "" {
			out.Errors = append(out.Errors, fmt.Sprintf("row %d: agent id missing", i+1))
			continue
		}
		a := models.Agent{
			ID:          id,
			FullName:    strings.TrimSpace(get("full_name")),
			Position:    parsePosition(get("position")),
			SkillFactor: parseFloatDefault(get("skill_factor"), 1.0),
			OfficeID:    strings.TrimSpace(get("office_id")),
			Load:        int(parseFloatDefault(get("load"), 0)),
			StressScore: parseFloatDefault(get("stress_score"), 0),
			IsActive:    parseBoolDefault(get("is_active"), true),
			UpdatedAt:   now,
		}
		for _, s := range strings.Split(get("skills"), ";") {
			if s = strings.TrimSpace(s); s != "" {
				a.Skills = append(a.Skills, s)
			}
		}
		out.Rows = append(out.Rows, a)
	}
	return out
}

func OfficeRows(records [][]string) ParseResult[models.Office] {
	var out ParseResult[models.Office]
	if len(records) < 2 {
		return out
	}
	idx := headerIndex(records[0])

	for i, rec := range records[1:] {
		get := func(name string) string { return field(rec, idx, name) }

		id := strings.TrimSpace(get("id"))
		name := strings.TrimSpace(get("name"))
		if id == "" && name == "" {
			out.Errors = append(out.Errors, fmt.Sprintf("row %d: office id and name missing", i+1))
			continue
		}
		if id == "" {
			id = name
		}
		o := models.Office{
			ID:      id,
			Name:    name,
			Address: strings.TrimSpace(get("address")),
		}
		if lat, err := strconv.ParseFloat(strings.TrimSpace(get("lat")), 64); err == nil {
			o.Lat = &lat
		}
		if lon, err := strconv.ParseFloat(strings.TrimSpace(get("lon")), 64); err == nil {
			o.Lon = &lon
		}
		out.Rows = append(out.Rows, o)
	}
	return out
}

var headerAliases = map[string]string{
	"guid":          "guid",
	"client_guid":   "guid",
	"customer_guid": "guid",
	"description":   "description",
	"text":          "description",
	"message":       "description",
	"segment":       "segment",
	"birth_date":    "birth_date",
	"birthdate":     "birth_date",
	"gender":        "gender",
	"sex":           "gender",
	"country":       "country",
	"region":        "region",
	"oblast":        "region",
	"city":          "city",
	"street":        "street",
	"house":         "house",
	"attachments":   "attachments",
	"id":            "id",
	"full_name":     "full_name",
	"name":          "name",
	"position":      "position",
	"role":          "position",
	"skills":        "skills",
	"skill_factor":  "skill_factor",
	"office_id":     "office_id",
	"office":        "office_id",
	"load":          "load",
	"current_load":  "load",
	"stress_score":  "stress_score",
	"is_active":     "is_active",
	"address":       "address",
	"lat":           "lat",
	"latitude":      "lat",
	"lon":           "lon",
	"longitude":     "lon",
}

func headerIndex(header []string) map[string]int {
	idx := map[string]int{}
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if canonical, ok := headerAliases[h]; ok {
			if _, taken := idx[canonical]; !taken {
				idx[canonical] = i
			}
		}
	}
	return idx
}

func field(rec []string, idx map[string]int, name string) string {
	i, ok := idx[name]
	if !ok || i >= len(rec) {
		return ""
	}
	return rec[i]
}

func parseSegment(raw string) models.Segment {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "vip":
		return models.SegmentVIP
	case "priority":
		return models.SegmentPriority
	default:
		return models.SegmentMass
	}
}

func parsePosition(raw string) models.Position {
	v := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case strings.Contains(v, "chief"), strings.Contains(v, "глав"):
		return models.PositionChief
	case strings.Contains(v, "lead"), strings.Contains(v, "ведущ"):
		return models.PositionLead
	default:
		return models.PositionSpecialist
	}
}

func parseFloatDefault(raw string, def float64) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(strings.ReplaceAll(raw, ",", ".")), 64)
	if err != nil {
		return def
	}
	return v
}

func parseBoolDefault(raw string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "да":
		return true
	case "0", "false", "no", "нет":
		return false
	default:
		return def
	}
}
