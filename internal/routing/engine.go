package routing

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/firedesk/backend/internal/config"
	"github.com/firedesk/backend/internal/models"
	"github.com/firedesk/backend/internal/utils"
)

const (
	// Offices within nearest×1.5 pass the geo filter, but never tighter
	// than this many kilometres.
	geoSlack    = 1.5
	geoFloorKm  = 50.0
	ReasonNoAgents = "no-eligible-agents"
)

// Candidate is a routable ticket: enrichment done, priority computed.
type Candidate struct {
	Ticket   models.Ticket
	Analysis models.Analysis
}

// Decision is the per-ticket routing result. Failed decisions carry the
// reason instead of an assignment.
type Decision struct {
	TicketID   string
	Assignment *models.Assignment
	FailReason string
}

type Engine struct {
	Ledger   *Ledger
	Policies config.Policies
	Logger   zerolog.Logger
}

// Route assigns every candidate, processing tickets in descending
// priority (ties by ascending row index) so that lowest-load selection
// sees the commits of every more urgent ticket first.
func (e *Engine) Route(candidates []Candidate, agents []models.Agent, offices []models.Office) []Decision {
	ordered := make([]Candidate, len(candidates))
	copy(ordered, candidates)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Analysis.PriorityFinal == ordered[j].Analysis.PriorityFinal {
			return ordered[i].Ticket.CSVRowIndex < ordered[j].Ticket.CSVRowIndex
		}
		return ordered[i].Analysis.PriorityFinal > ordered[j].Analysis.PriorityFinal
	})

	officeByID := make(map[string]models.Office, len(offices))
	for _, o := range offices {
		officeByID[o.ID] = o
	}

	decisions := make([]Decision, 0, len(ordered))
	for _, c := range ordered {
		decisions = append(decisions, e.assign(c, agents, officeByID))
	}
	return decisions
}

func (e *Engine) assign(c Candidate, agents []models.Agent, offices map[string]models.Office) Decision {
	details := map[string]any{}

	pool, officeDistances := geoFilter(c.Ticket, agents, offices)
	if dist, ok := officeDistances["_threshold"]; ok {
		details["geo_threshold_km"] = round1(dist)
	}

	required := requirements(c)
	eligible, relaxed := skillFilter(pool, required, e.Policies.RelaxationOrder)
	details["requirements"] = names(required)
	details["relaxation"] = relaxed

	if len(eligible) == 0 {
		e.Logger.Warn().
			Str("ticket_id", c.Ticket.ID.String()).
			Strs("requirements", names(required)).
			Msg("no eligible agents after full relaxation")
		return Decision{TicketID: c.Ticket.ID.String(), FailReason: ReasonNoAgents}
	}

	loads := e.Ledger.Snapshot()
	chosen := pick(eligible, loads)

	weight := e.Policies.DifficultyWeights[c.Analysis.DetectedType]
	if weight <= 0 {
		weight = 1
	}
	before, after := e.Ledger.Commit(chosen.ID, weight)

	office := offices[chosen.OfficeID]
	distance := -1.0
	if d, ok := officeDistances[chosen.OfficeID]; ok {
		distance = d
	}
	details["office_id"] = office.ID
	details["office_name"] = office.Name
	if distance >= 0 {
		details["distance_km"] = round1(distance)
	}
	details["load_before"] = before
	details["load_after"] = after
	details["difficulty_weight"] = weight

	assignment := &models.Assignment{
		TicketID:       c.Ticket.ID,
		AgentID:        chosen.ID,
		OfficeID:       chosen.OfficeID,
		Explanation:    explanation(office, distance, required, relaxed, before, after),
		RoutingDetails: details,
	}
	return Decision{TicketID: c.Ticket.ID.String(), Assignment: assignment}
}

// geoFilter keeps agents whose home office lies within
// max(nearest×1.5, 50 km) of the ticket. Coordinate-less tickets (which
// includes address_status=unknown fallbacks) let every active agent
// through.
func geoFilter(t models.Ticket, agents []models.Agent, offices map[string]models.Office) ([]models.Agent, map[string]float64) {
	distances := map[string]float64{}

	active := agents[:0:0]
	for _, a := range agents {
		if a.IsActive {
			active = append(active, a)
		}
	}

	if !t.HasCoordinates() {
		return active, distances
	}

	nearest := -1.0
	for id, o := range offices {
		if o.Lat == nil || o.Lon == nil {
			continue
		}
		d := utils.HaversineKm(*t.Latitude, *t.Longitude, *o.Lat, *o.Lon)
		distances[id] = d
		if nearest < 0 || d < nearest {
			nearest = d
		}
	}
	if nearest < 0 {
		// No office has coordinates; distance cannot constrain anything.
		return active, distances
	}

	threshold := nearest * geoSlack
	if threshold < geoFloorKm {
		threshold = geoFloorKm
	}
	distances["_threshold"] = threshold

	within := active[:0:0]
	for _, a := range active {
		d, ok := distances[a.OfficeID]
		if ok && d <= threshold {
			within = append(within, a)
		}
	}
	return within, distances
}

// requirement is one skill-filter predicate, named so the relaxation
// cascade can drop and record it.
type requirement struct {
	name  string
	match func(models.Agent) bool
}

func requirements(c Candidate) []requirement {
	var out []requirement
	if c.Ticket.Segment == models.SegmentVIP || c.Ticket.Segment == models.SegmentPriority {
		out = append(out, requirement{"VIP", func(a models.Agent) bool {
			return hasSkill(a.Skills, "VIP")
		}})
	}
	if c.Analysis.DetectedType == models.TypeDataChange {
		out = append(out, requirement{"position", func(a models.Agent) bool {
			return a.Position == models.PositionChief
		}})
	}
	if lang := c.Analysis.Language; lang == "KZ" || lang == "EN" {
		out = append(out, requirement{"language", func(a models.Agent) bool {
			return hasSkill(a.Skills, lang)
		}})
	}
	return out
}

// skillFilter applies every requirement, then walks the relaxation order
// dropping requirements until somebody qualifies. The returned slice of
// names is exactly the dropped prefix of the order.
func skillFilter(pool []models.Agent, required []requirement, order []string) ([]models.Agent, []string) {
	relaxed := []string{}
	if len(pool) == 0 {
		return nil, relaxed
	}

	eligible := applyRequirements(pool, required)
	if len(eligible) > 0 {
		return eligible, relaxed
	}

	dropped := map[string]bool{}
	for _, name := range order {
		if !hasRequirement(required, name) {
			continue
		}
		dropped[name] = true
		relaxed = append(relaxed, name)

		remaining := required[:0:0]
		for _, r := range required {
			if !dropped[r.name] {
				remaining = append(remaining, r)
			}
		}
		eligible = applyRequirements(pool, remaining)
		if len(eligible) > 0 {
			return eligible, relaxed
		}
	}
	return nil, relaxed
}

func applyRequirements(pool []models.Agent, required []requirement) []models.Agent {
	out := pool[:0:0]
	for _, a := range pool {
		ok := true
		for _, r := range required {
			if !r.match(a) {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, a)
		}
	}
	return out
}

// pick selects the least-loaded agent; ties break by higher skill
// factor, then lexicographic id for determinism.
func pick(eligible []models.Agent, loads map[string]int) models.Agent {
	best := eligible[0]
	for _, a := range eligible[1:] {
		la, lb := loads[a.ID], loads[best.ID]
		switch {
		case la < lb:
			best = a
		case la == lb && a.SkillFactor > best.SkillFactor:
			best = a
		case la == lb && a.SkillFactor == best.SkillFactor && a.ID < best.ID:
			best = a
		}
	}
	return best
}

func explanation(office models.Office, distanceKm float64, required []requirement, relaxed []string, before, after int) string {
	var b strings.Builder
	if distanceKm >= 0 {
		fmt.Fprintf(&b, "Assigned to office %q, %.1f km from the client.", office.Name, distanceKm)
	} else {
		fmt.Fprintf(&b, "Assigned to office %q (ticket has no usable coordinates).", office.Name)
	}
	enforced := make([]string, 0, len(required))
	for _, r := range required {
		droppedIt := false
		for _, d := range relaxed {
			if d == r.name {
				droppedIt = true
				break
			}
		}
		if !droppedIt {
			enforced = append(enforced, r.name)
		}
	}
	if len(enforced) > 0 {
		fmt.Fprintf(&b, " Constraints enforced: %s.", strings.Join(enforced, ", "))
	} else {
		b.WriteString(" No skill constraints applied.")
	}
	if len(relaxed) > 0 {
		fmt.Fprintf(&b, " Relaxed to find a match: %s.", strings.Join(relaxed, ", "))
	}
	fmt.Fprintf(&b, " Agent load %d → %d.", before, after)
	return b.String()
}

func names(required []requirement) []string {
	out := make([]string, 0, len(required))
	for _, r := range required {
		out = append(out, r.name)
	}
	return out
}

func hasRequirement(required []requirement, name string) bool {
	for _, r := range required {
		if r.name == name {
			return true
		}
	}
	return false
}

func hasSkill(skills []string, target string) bool {
	for _, s := range skills {
		if strings.EqualFold(strings.TrimSpace(s), target) {
			return true
		}
	}
	return false
}

func round1(v float64) float64 {
	return float64(int(v*10+0.5)) / 10
}
