package routing

import (
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/firedesk/backend/internal/config"
	"github.com/firedesk/backend/internal/models"
)

func floatPtr(v float64) *float64 { return &v }

func engine() *Engine {
	return &Engine{
		Ledger:   NewLedger(),
		Policies: config.Defaults(),
		Logger:   zerolog.Nop(),
	}
}

func ticketAt(lat, lon float64, segment models.Segment) models.Ticket {
	return models.Ticket{
		ID:            uuid.New(),
		Segment:       segment,
		Latitude:      floatPtr(lat),
		Longitude:     floatPtr(lon),
		AddressStatus: models.AddressResolved,
	}
}

func agent(id, officeID string, skills ...string) models.Agent {
	return models.Agent{
		ID:          id,
		Position:    models.PositionSpecialist,
		Skills:      skills,
		SkillFactor: 1.0,
		OfficeID:    officeID,
		IsActive:    true,
	}
}

// Astana and Almaty are ~970 km apart; a ticket in Astana must never be
// routed to Almaty when Astana has eligible staff.
var testOffices = []models.Office{
	{ID: "o-ast", Name: "Astana", Lat: floatPtr(51.1694), Lon: floatPtr(71.4491)},
	{ID: "o-alm", Name: "Almaty", Lat: floatPtr(43.2220), Lon: floatPtr(76.8512)},
}

func TestGeoFilterKeepsNearbyOffices(t *testing.T) {
	e := engine()
	c := Candidate{
		Ticket:   ticketAt(51.2, 71.5, models.SegmentMass),
		Analysis: models.Analysis{DetectedType: models.TypeConsultation, PriorityFinal: 5},
	}
	agents := []models.Agent{agent("a1", "o-ast"), agent("a2", "o-alm")}

	decisions := e.Route([]Candidate{c}, agents, testOffices)
	if len(decisions) != 1 || decisions[0].Assignment == nil {
		t.Fatalf("expected one assignment, got %+v", decisions)
	}
	if decisions[0].Assignment.AgentID != "a1" {
		t.Fatalf("expected the Astana agent, got %s", decisions[0].Assignment.AgentID)
	}
}

func TestNoCoordinatesPassesAllActiveAgents(t *testing.T) {
	e := engine()
	c := Candidate{
		Ticket:   models.Ticket{ID: uuid.New(), Segment: models.SegmentMass},
		Analysis: models.Analysis{DetectedType: models.TypeConsultation, PriorityFinal: 5},
	}
	inactive := agent("a1", "o-ast")
	inactive.IsActive = false
	agents := []models.Agent{inactive, agent("a2", "o-alm")}

	decisions := e.Route([]Candidate{c}, agents, testOffices)
	if decisions[0].Assignment == nil || decisions[0].Assignment.AgentID != "a2" {
		t.Fatalf("expected the only active agent, got %+v", decisions[0])
	}
}

func TestUnknownAddressTreatedAsCoordinateless(t *testing.T) {
	e := engine()
	tk := ticketAt(51.2, 71.5, models.SegmentMass)
	tk.AddressStatus = models.AddressUnknown
	c := Candidate{Ticket: tk, Analysis: models.Analysis{DetectedType: models.TypeConsultation, PriorityFinal: 5}}

	// Only a far-away agent exists; the unknown address must not geo-exclude it.
	decisions := e.Route([]Candidate{c}, []models.Agent{agent("a2", "o-alm")}, testOffices)
	if decisions[0].Assignment == nil {
		t.Fatalf("expected assignment despite distance, got %+v", decisions[0])
	}
}

func TestVIPRelaxationCascade(t *testing.T) {
	e := engine()
	c := Candidate{
		Ticket:   ticketAt(51.2, 71.5, models.SegmentVIP),
		Analysis: models.Analysis{DetectedType: models.TypeConsultation, Language: "RU", PriorityFinal: 9},
	}
	// One office in range, none of its agents has the VIP tag.
	agents := []models.Agent{agent("a1", "o-ast", "RU"), agent("a2", "o-ast", "RU")}

	decisions := e.Route([]Candidate{c}, agents, testOffices)
	a := decisions[0].Assignment
	if a == nil {
		t.Fatalf("expected assignment after relaxation, got %+v", decisions[0])
	}
	relaxed, ok := a.RoutingDetails["relaxation"].([]string)
	if !ok || len(relaxed) != 1 || relaxed[0] != "VIP" {
		t.Fatalf("expected relaxation [VIP], got %v", a.RoutingDetails["relaxation"])
	}
}

func TestLanguageDroppedFirst(t *testing.T) {
	e := engine()
	c := Candidate{
		Ticket:   ticketAt(51.2, 71.5, models.SegmentPriority),
		Analysis: models.Analysis{DetectedType: models.TypeConsultation, Language: "KZ", PriorityFinal: 7},
	}
	// VIP-tagged agent without the KZ skill: dropping language alone suffices.
	agents := []models.Agent{agent("a1", "o-ast", "VIP", "RU")}

	decisions := e.Route([]Candidate{c}, agents, testOffices)
	a := decisions[0].Assignment
	if a == nil {
		t.Fatalf("expected assignment, got %+v", decisions[0])
	}
	relaxed := a.RoutingDetails["relaxation"].([]string)
	if len(relaxed) != 1 || relaxed[0] != "language" {
		t.Fatalf("expected language dropped first, got %v", relaxed)
	}
	if a.Explanation == "" {
		t.Fatalf("explanation is mandatory")
	}
}

func TestChiefRequiredForDataChange(t *testing.T) {
	e := engine()
	c := Candidate{
		Ticket:   ticketAt(51.2, 71.5, models.SegmentMass),
		Analysis: models.Analysis{DetectedType: models.TypeDataChange, Language: "RU", PriorityFinal: 6},
	}
	chief := agent("a-chief", "o-ast")
	chief.Position = models.PositionChief
	chief.Load = 0
	agents := []models.Agent{agent("a1", "o-ast"), chief}

	decisions := e.Route([]Candidate{c}, agents, testOffices)
	if decisions[0].Assignment.AgentID != "a-chief" {
		t.Fatalf("expected the chief, got %s", decisions[0].Assignment.AgentID)
	}
}

func TestNoEligibleAgents(t *testing.T) {
	e := engine()
	c := Candidate{
		Ticket:   ticketAt(51.2, 71.5, models.SegmentMass),
		Analysis: models.Analysis{DetectedType: models.TypeConsultation, PriorityFinal: 5},
	}
	inactive := agent("a1", "o-ast")
	inactive.IsActive = false

	decisions := e.Route([]Candidate{c}, []models.Agent{inactive}, testOffices)
	if decisions[0].Assignment != nil || decisions[0].FailReason != ReasonNoAgents {
		t.Fatalf("expected %s, got %+v", ReasonNoAgents, decisions[0])
	}
}

func TestLoadBalancingSpreadsEvenly(t *testing.T) {
	e := engine()
	agents := []models.Agent{
		agent("a1", "o-ast"), agent("a2", "o-ast"), agent("a3", "o-ast"),
	}

	var candidates []Candidate
	for i := 0; i < 10; i++ {
		tk := ticketAt(51.2, 71.5, models.SegmentMass)
		tk.CSVRowIndex = i
		candidates = append(candidates, Candidate{
			Ticket:   tk,
			Analysis: models.Analysis{DetectedType: models.TypeConsultation, PriorityFinal: 5},
		})
	}

	decisions := e.Route(candidates, agents, testOffices)
	perAgent := map[string]int{}
	for _, d := range decisions {
		if d.Assignment == nil {
			t.Fatalf("unexpected routing failure: %+v", d)
		}
		perAgent[d.Assignment.AgentID]++
	}

	total, min, max := 0, 10, 0
	for _, n := range perAgent {
		total += n
		if n < min {
			min = n
		}
		if n > max {
			max = n
		}
	}
	if total != 10 {
		t.Fatalf("expected 10 assignments, got %d", total)
	}
	if max-min > 1 {
		t.Fatalf("expected loads to differ by at most 1, got %v", perAgent)
	}
	if e.Ledger.Load("a1")+e.Ledger.Load("a2")+e.Ledger.Load("a3") != 10 {
		t.Fatalf("ledger total mismatch: %v", e.Ledger.Snapshot())
	}
}

func TestHighPriorityRoutedFirst(t *testing.T) {
	e := engine()
	// A single agent; the fraud ticket must get its commit first.
	agents := []models.Agent{agent("a1", "o-ast")}

	low := Candidate{Ticket: ticketAt(51.2, 71.5, models.SegmentMass), Analysis: models.Analysis{DetectedType: models.TypeConsultation, PriorityFinal: 3}}
	low.Ticket.CSVRowIndex = 0
	high := Candidate{Ticket: ticketAt(51.2, 71.5, models.SegmentMass), Analysis: models.Analysis{DetectedType: models.TypeFraud, PriorityFinal: 9}}
	high.Ticket.CSVRowIndex = 1

	decisions := e.Route([]Candidate{low, high}, agents, testOffices)
	if decisions[0].TicketID != high.Ticket.ID.String() {
		t.Fatalf("expected the fraud ticket routed first")
	}
	if got := decisions[0].Assignment.RoutingDetails["load_before"].(int); got != 0 {
		t.Fatalf("fraud ticket should see load 0, got %d", got)
	}
}

func TestTieBreakBySkillFactorThenID(t *testing.T) {
	loads := map[string]int{"a": 0, "b": 0, "c": 0}
	a := agent("a", "o-ast")
	b := agent("b", "o-ast")
	b.SkillFactor = 1.5
	c := agent("c", "o-ast")

	chosen := pick([]models.Agent{a, b, c}, loads)
	if chosen.ID != "b" {
		t.Fatalf("expected the higher skill factor to win, got %s", chosen.ID)
	}

	b.SkillFactor = 1.0
	chosen = pick([]models.Agent{c, b, a}, loads)
	if chosen.ID != "a" {
		t.Fatalf("expected lexicographic tie-break, got %s", chosen.ID)
	}
}
