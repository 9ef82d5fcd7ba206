package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/firedesk/backend/internal/bus"
	"github.com/firedesk/backend/internal/config"
	"github.com/firedesk/backend/internal/geo"
	"github.com/firedesk/backend/internal/llm"
	"github.com/firedesk/backend/internal/models"
	"github.com/firedesk/backend/internal/pii"
	"github.com/firedesk/backend/internal/priority"
	"github.com/firedesk/backend/internal/routing"
	"github.com/firedesk/backend/internal/spam"
)

// Orchestrator drives every ticket of a batch through the stage graph:
//
//	spam → pii → (llm ‖ geocode) → priority, then one routing pass once
//	the whole batch has a priority (routing needs the full ordering).
//
// Cross-ticket parallelism is bounded by the per-stage semaphores from
// the policy set.
type Orchestrator struct {
	Store    Storage
	Bus      *bus.Bus
	Vault    *pii.Vault
	Spam     *spam.Filter
	Analyzer llm.Analyzer
	Geo      *geo.Resolver
	Engine   *routing.Engine
	Policies config.Policies
	Logger   zerolog.Logger

	runner *Runner

	llmSem *semaphore.Weighted
	geoSem *semaphore.Weighted

	persistGeocode func(ctx context.Context, query string, e geo.Entry) error

	mu       sync.Mutex
	running  map[uuid.UUID]context.CancelFunc
	progress *progressTracker
}

type Deps struct {
	Store         Storage
	Bus           *bus.Bus
	Vault         *pii.Vault
	Spam          *spam.Filter
	Analyzer      llm.Analyzer
	Geo           *geo.Resolver
	Engine        *routing.Engine
	Policies      config.Policies
	Logger        zerolog.Logger
	IsUnavailable func(error) bool

	// PersistGeocode stores one positive geocode cache entry after a
	// batch drains. Optional; misses are never persisted.
	PersistGeocode func(ctx context.Context, query string, e geo.Entry) error
}

func New(d Deps) *Orchestrator {
	if d.Spam != nil && d.Spam.Classifier != nil && d.Policies.SpamLLMConcurrency > 0 {
		d.Spam = &spam.Filter{
			Classifier: boundedClassifier{
				inner: d.Spam.Classifier,
				sem:   semaphore.NewWeighted(d.Policies.SpamLLMConcurrency),
			},
			Threshold: d.Spam.Threshold,
		}
	}
	return &Orchestrator{
		Store:    d.Store,
		Bus:      d.Bus,
		Vault:    d.Vault,
		Spam:     d.Spam,
		Analyzer: d.Analyzer,
		Geo:      d.Geo,
		Engine:   d.Engine,
		Policies: d.Policies,
		Logger:   d.Logger,
		runner: &Runner{
			Store:         d.Store,
			Bus:           d.Bus,
			Logger:        d.Logger,
			RetryBudget:   d.Policies.RetryBudget,
			DBTimeout:     d.Policies.DBWriteTimeout,
			IsUnavailable: d.IsUnavailable,
		},
		llmSem:         semaphore.NewWeighted(maxInt64(d.Policies.LLMConcurrency, 1)),
		geoSem:         semaphore.NewWeighted(maxInt64(d.Policies.GeocodeConcurrency, 1)),
		persistGeocode: d.PersistGeocode,
		running:        map[uuid.UUID]context.CancelFunc{},
		progress:       newProgressTracker(),
	}
}

// boundedClassifier keeps the spam-LLM ceiling without serializing the
// purely structural part of the spam stage.
type boundedClassifier struct {
	inner spam.Classifier
	sem   *semaphore.Weighted
}

func (b boundedClassifier) Classify(ctx context.Context, text string) (bool, float64, error) {
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return false, 0, err
	}
	defer b.sem.Release(1)
	return b.inner.Classify(ctx, text)
}

// Start launches batch processing in the background. A batch can only
// run once at a time.
func (o *Orchestrator) Start(ctx context.Context, batchID uuid.UUID) error {
	o.mu.Lock()
	if _, busy := o.running[batchID]; busy {
		o.mu.Unlock()
		return fmt.Errorf("batch %s is already processing", batchID)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.running[batchID] = cancel
	o.mu.Unlock()

	go func() {
		defer func() {
			o.mu.Lock()
			delete(o.running, batchID)
			o.mu.Unlock()
			cancel()
		}()
		o.processBatch(runCtx, batchID)
	}()
	return nil
}

// Cancel requests cooperative cancellation of a running batch.
func (o *Orchestrator) Cancel(batchID uuid.UUID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	cancel, ok := o.running[batchID]
	if ok {
		cancel()
	}
	return ok
}

// Progress returns the in-memory snapshot for pollers.
func (o *Orchestrator) Progress(batchID uuid.UUID) (Progress, bool) {
	return o.progress.get(batchID)
}

type ticketResult struct {
	ticket   models.Ticket
	analysis *models.Analysis
	spam     bool
	failed   bool
	fatal    bool
	stages   map[string]any
}

func (o *Orchestrator) processBatch(ctx context.Context, batchID uuid.UUID) {
	logger := o.Logger.With().Str("batch_id", batchID.String()).Logger()

	batch, err := o.Store.GetBatch(ctx, batchID)
	if err != nil {
		logger.Error().Err(err).Msg("batch load failed")
		o.Bus.Publish(bus.BatchEvent(batchID, models.StagePipeline, models.StageFailed,
			"batch load failed", map[string]any{"error": err.Error()}))
		return
	}
	tickets, err := o.Store.ListTicketsByBatch(ctx, batchID)
	if err != nil {
		logger.Error().Err(err).Msg("ticket load failed")
		o.failBatch(ctx, batch, err)
		return
	}

	o.progress.start(batchID, len(tickets))
	batch.Status = models.BatchProcessing
	_ = o.Store.UpdateBatch(ctx, batch)

	o.Bus.Publish(bus.BatchEvent(batchID, models.StagePipeline, models.StageInProgress,
		fmt.Sprintf("processing %d tickets", len(tickets)),
		map[string]any{"total": len(tickets)}))

	bc := priority.BatchContext{
		TotalRows:  len(tickets),
		GUIDCounts: priority.BuildGUIDCounts(tickets),
	}

	// Tickets dispatch in row order; the window bound is the widest
	// stage ceiling so the slowest stage stays the limiting factor.
	window := maxInt64(o.Policies.LLMConcurrency, o.Policies.GeocodeConcurrency)
	ticketSem := semaphore.NewWeighted(maxInt64(window, 1))

	results := make([]*ticketResult, len(tickets))
	var wg sync.WaitGroup
	for i := range tickets {
		if err := ticketSem.Acquire(ctx, 1); err != nil {
			results[i] = &ticketResult{ticket: tickets[i], failed: true, stages: map[string]any{"error": "cancelled"}}
			continue
		}
		wg.Add(1)
		o.progress.update(batchID, func(p *Progress) { p.Current = i })
		go func(i int) {
			defer wg.Done()
			defer ticketSem.Release(1)
			results[i] = o.processTicket(ctx, tickets[i], bc)
			o.progress.update(batchID, func(p *Progress) {
				p.Processed++
				if results[i].spam {
					p.Spam++
				}
				if results[i].failed {
					p.Failed++
				}
				p.Results = append(p.Results, map[string]any{
					"ticket_id":     results[i].ticket.ID.String(),
					"csv_row_index": results[i].ticket.CSVRowIndex,
					"stages":        results[i].stages,
				})
			})
		}(i)
	}
	wg.Wait()

	for _, res := range results {
		if res != nil && res.fatal {
			o.failBatch(ctx, batch, fmt.Errorf("database unreachable"))
			return
		}
	}

	if ctx.Err() != nil {
		o.progress.update(batchID, func(p *Progress) { p.Status = "cancelled" })
		batch.Status = models.BatchCancelled
		_ = o.Store.UpdateBatch(context.WithoutCancel(ctx), batch)
		o.Bus.Publish(bus.BatchEvent(batchID, models.StagePipeline, models.StageFailed,
			"batch cancelled", map[string]any{"reason": "cancelled"}))
		return
	}

	routed := o.routeBatch(ctx, batchID, results)

	if o.persistGeocode != nil && o.Geo != nil && o.Geo.Cache != nil {
		for query, e := range o.Geo.Cache.Hits() {
			if err := o.persistGeocode(ctx, query, e); err != nil {
				logger.Warn().Err(err).Str("query", query).Msg("geocode cache persist failed")
				break
			}
		}
	}

	spamCount, failedCount, enriched := 0, 0, 0
	for _, res := range results {
		if res == nil {
			continue
		}
		switch {
		case res.spam:
			spamCount++
		case res.failed:
			failedCount++
		default:
			enriched++
		}
	}

	batch.Processed = len(tickets)
	batch.SpamCount = spamCount
	batch.FailedRows = failedCount
	batch.Status = models.BatchCompleted
	_ = o.Store.UpdateBatch(ctx, batch)
	o.progress.update(batchID, func(p *Progress) {
		p.Status = "completed"
		p.Routed = routed
	})

	o.Bus.Publish(bus.BatchEvent(batchID, models.StagePipeline, models.StageCompleted,
		fmt.Sprintf("batch complete: %d tickets (%d spam)", len(tickets), spamCount),
		map[string]any{
			"total":    len(tickets),
			"spam":     spamCount,
			"enriched": enriched,
			"routed":   routed,
			"failed":   failedCount,
		}))
	logger.Info().
		Int("total", len(tickets)).
		Int("spam", spamCount).
		Int("routed", routed).
		Int("failed", failedCount).
		Msg("batch complete")
}

func (o *Orchestrator) failBatch(ctx context.Context, batch models.Batch, cause error) {
	batch.Status = models.BatchFailed
	_ = o.Store.UpdateBatch(context.WithoutCancel(ctx), batch)
	o.progress.update(batch.ID, func(p *Progress) { p.Status = "failed" })
	o.Bus.Publish(bus.BatchEvent(batch.ID, models.StagePipeline, models.StageFailed,
		"pipeline failed", map[string]any{"error": cause.Error()}))
}

// processTicket walks one ticket to the priority stage. Routing happens
// later, once every ticket in the batch has a priority.
func (o *Orchestrator) processTicket(ctx context.Context, t models.Ticket, bc priority.BatchContext) *ticketResult {
	res := &ticketResult{ticket: t, stages: map[string]any{}}

	// ── spam ──
	var verdict spam.Verdict
	spamOutcome, err := o.runner.Run(ctx, t.ID, t.BatchID, models.StageSpam,
		o.Policies.SpamLLMTimeout, o.Policies.SpamWallClock,
		func(ctx context.Context) (string, map[string]any, error) {
			v, err := o.Spam.Check(ctx, t.Description)
			if err != nil {
				return "", nil, err
			}
			verdict = v
			if werr := o.Store.UpdateTicketSpam(ctx, t.ID, v.IsSpam, v.Probability); werr != nil {
				return "", nil, werr
			}
			return v.Reason, map[string]any{"is_spam": v.IsSpam, "probability": v.Probability}, nil
		})
	if err != nil {
		res.fatal = true
		return res
	}
	res.stages["spam_filter"] = map[string]any{"status": spamOutcome.Status, "is_spam": verdict.IsSpam}

	if spamOutcome.Status == models.StageCompleted && verdict.IsSpam {
		res.spam = true
		_ = o.Store.UpdateTicketStatus(ctx, t.ID, models.TicketClosed)
		return res
	}
	if ctx.Err() != nil {
		res.failed = true
		return res
	}

	// ── pii scrub ──
	scrubbed := t.Description
	var bindings []models.PIIBinding
	piiOutcome, err := o.runner.Run(ctx, t.ID, t.BatchID, models.StagePII,
		o.Policies.DBWriteTimeout*5, 0,
		func(ctx context.Context) (string, map[string]any, error) {
			// Re-invocation safety: reuse bindings from an earlier
			// attempt instead of minting new tokens.
			if existing, err := o.Store.ListPIIBindings(ctx, t.ID); err == nil && len(existing) > 0 {
				bindings = existing
				if t.DescriptionScrubbed != "" {
					scrubbed = t.DescriptionScrubbed
				} else if s, _, err := o.Vault.Scrub(t.ID, t.Description); err == nil {
					// Token minting is deterministic per text, so the
					// re-scrub lines up with the stored bindings.
					scrubbed = s
					_ = o.Store.UpdateTicketScrubbed(ctx, t.ID, s)
				}
				return fmt.Sprintf("reused %d bindings", len(existing)), map[string]any{"pii_count": len(existing)}, nil
			}
			s, b, err := o.Vault.Scrub(t.ID, t.Description)
			if err != nil {
				return "", nil, err
			}
			if err := o.Store.InsertPIIBindings(ctx, b); err != nil {
				return "", nil, err
			}
			if err := o.Store.UpdateTicketScrubbed(ctx, t.ID, s); err != nil {
				return "", nil, err
			}
			scrubbed, bindings = s, b
			kinds := map[models.PIIKind]int{}
			for _, d := range b {
				kinds[d.Kind]++
			}
			return fmt.Sprintf("masked %d PII values", len(b)), map[string]any{"pii_count": len(b), "kinds": kinds}, nil
		})
	if err != nil {
		res.fatal = true
		return res
	}
	res.stages["pii_scrub"] = map[string]any{"status": piiOutcome.Status, "pii_count": len(bindings)}
	if ctx.Err() != nil {
		res.failed = true
		return res
	}

	// ── llm ‖ geocode ──
	var (
		llmResult   llm.Result
		llmOutcome  models.StageOutcome
		geoResult   geo.Result
		geoOutcome  models.StageOutcome
		fatalByJoin bool
	)
	var g errgroup.Group
	g.Go(func() error {
		out, err := o.runner.Run(ctx, t.ID, t.BatchID, models.StageLLM,
			o.Policies.LLMTimeout, o.Policies.LLMWallClock,
			func(ctx context.Context) (string, map[string]any, error) {
				if err := o.llmSem.Acquire(ctx, 1); err != nil {
					return "", nil, err
				}
				defer o.llmSem.Release(1)
				r, err := o.Analyzer.Analyze(ctx, llm.Input{
					Text:        scrubbed,
					Age:         t.Age,
					Segment:     t.Segment,
					Attachments: t.Attachments,
				})
				if err != nil {
					return "", nil, err
				}
				llmResult = r
				return fmt.Sprintf("type=%s lang=%s sentiment=%s", r.DetectedType, r.Language, r.Sentiment),
					map[string]any{
						"detected_type": string(r.DetectedType),
						"language":      r.Language,
						"sentiment":     string(r.Sentiment),
					}, nil
			})
		llmOutcome = out
		if err != nil {
			fatalByJoin = true
		}
		return nil
	})
	g.Go(func() error {
		out, err := o.runner.Run(ctx, t.ID, t.BatchID, models.StageGeocode,
			o.Policies.GeocodeTimeout, o.Policies.GeocodeWallClock,
			func(ctx context.Context) (string, map[string]any, error) {
				if err := o.geoSem.Acquire(ctx, 1); err != nil {
					return "", nil, err
				}
				defer o.geoSem.Release(1)
				r, err := o.Geo.Resolve(ctx, t.ID.String(), geo.Address{
					Country: t.Country, Region: t.Region, City: t.City,
					Street: t.Street, House: t.House,
				})
				if err != nil {
					return "", nil, err
				}
				var lat, lon *float64
				if r.Status != models.AddressUnknown || r.Provider == "last_resort" {
					lat, lon = &r.Lat, &r.Lon
				}
				if werr := o.Store.UpdateTicketGeo(ctx, t.ID, lat, lon, r.Status, r.Explanation); werr != nil {
					return "", nil, werr
				}
				geoResult = r
				return r.Explanation, map[string]any{
					"lat": r.Lat, "lon": r.Lon,
					"provider": r.Provider, "status": string(r.Status),
				}, nil
			})
		geoOutcome = out
		if err != nil {
			fatalByJoin = true
		}
		return nil
	})
	_ = g.Wait()
	if fatalByJoin {
		res.fatal = true
		return res
	}
	res.stages["llm_analysis"] = map[string]any{"status": llmOutcome.Status}
	res.stages["geocoding"] = map[string]any{"status": geoOutcome.Status}
	if ctx.Err() != nil {
		res.failed = true
		return res
	}

	// ── join: merge, defaults for whatever failed ──
	analysis := models.Analysis{
		TicketID:     t.ID,
		DetectedType: models.TypeConsultation,
		Language:     "RU",
		Sentiment:    models.SentimentNeutral,
		CreatedAt:    time.Now().UTC(),
	}
	if llmOutcome.Status == models.StageCompleted {
		analysis.DetectedType = llmResult.DetectedType
		analysis.Language = llmResult.Language
		analysis.LanguageIsMixed = llmResult.LanguageIsMixed
		analysis.Sentiment = llmResult.Sentiment
		analysis.SentimentConfidence = llmResult.SentimentConfidence
		analysis.AnomalyFlags = llmResult.AnomalyFlags
		analysis.Model = llmResult.Model
		if summary, err := o.Vault.Rehydrate(llmResult.Summary, bindings); err == nil {
			analysis.Summary = summary
		} else {
			analysis.Summary = llmResult.Summary
		}
	}
	if geoOutcome.Status == models.StageCompleted {
		res.ticket.AddressStatus = geoResult.Status
		res.ticket.GeoExplanation = geoResult.Explanation
		if geoResult.Status != models.AddressUnknown {
			res.ticket.Latitude = &geoResult.Lat
			res.ticket.Longitude = &geoResult.Lon
		}
	}

	// ── priority ──
	prioOutcome, err := o.runner.Run(ctx, t.ID, t.BatchID, models.StagePriority,
		o.Policies.DBWriteTimeout*5, 0,
		func(ctx context.Context) (string, map[string]any, error) {
			base, extra, final, breakdown := priority.Score(o.Policies, res.ticket, analysis, bc)
			analysis.PriorityBase = base
			analysis.PriorityExtra = extra
			analysis.PriorityFinal = final
			analysis.PriorityBreakdown = breakdown
			if err := o.Store.UpsertAnalysis(ctx, analysis); err != nil {
				return "", nil, err
			}
			if err := o.Store.UpdateTicketStatus(ctx, t.ID, models.TicketEnriched); err != nil {
				return "", nil, err
			}
			return fmt.Sprintf("priority %.2f", final), map[string]any{
				"priority_final": final,
				"breakdown":      breakdown,
			}, nil
		})
	if err != nil {
		res.fatal = true
		return res
	}
	if prioOutcome.Status != models.StageCompleted {
		res.failed = true
		return res
	}
	res.stages["priority"] = map[string]any{"status": prioOutcome.Status, "final": analysis.PriorityFinal}
	res.analysis = &analysis
	return res
}

// routeBatch runs the routing engine once over everything that reached
// the priority stage and persists one decision per ticket.
func (o *Orchestrator) routeBatch(ctx context.Context, batchID uuid.UUID, results []*ticketResult) int {
	var candidates []routing.Candidate
	for _, res := range results {
		if res == nil || res.spam || res.failed || res.analysis == nil {
			continue
		}
		if prev, err := o.Store.GetStageOutcome(ctx, res.ticket.ID, models.StageRouting); err == nil && prev != nil && prev.Status == models.StageCompleted {
			continue
		}
		candidates = append(candidates, routing.Candidate{Ticket: res.ticket, Analysis: *res.analysis})
	}
	if len(candidates) == 0 {
		return 0
	}

	agents, err := o.Store.ListAgents(ctx)
	if err != nil {
		o.Logger.Error().Err(err).Msg("agent roster load failed")
		return 0
	}
	offices, err := o.Store.ListOffices(ctx)
	if err != nil {
		o.Logger.Error().Err(err).Msg("office roster load failed")
		return 0
	}
	o.Engine.Ledger.Seed(agents)

	routed := 0
	decisions := o.Engine.Route(candidates, agents, offices)
	for _, d := range decisions {
		ticketID, _ := uuid.Parse(d.TicketID)
		started := time.Now().UTC()

		if d.Assignment == nil {
			completed := time.Now().UTC()
			_ = o.Store.UpsertStageOutcome(ctx, models.StageOutcome{
				TicketID: ticketID, BatchID: batchID, Stage: models.StageRouting,
				Status: models.StageFailed, Message: "no eligible agents",
				ErrorDetail: d.FailReason, StartedAt: started, CompletedAt: &completed,
			})
			_ = o.Store.UpdateTicketStatus(ctx, ticketID, models.TicketClosed)
			o.Bus.Publish(models.Event{
				TicketID: ticketID, BatchID: batchID, Stage: models.StageRouting,
				Status: models.StageFailed, Message: d.FailReason,
				Data: map[string]any{"reason": d.FailReason}, Timestamp: time.Now().UTC(),
			})
			continue
		}

		a := *d.Assignment
		a.AssignedAt = time.Now().UTC()
		weight, _ := a.RoutingDetails["difficulty_weight"].(int)
		if weight <= 0 {
			weight = 1
		}
		if err := o.Store.SaveAssignment(ctx, a, weight); err != nil {
			o.Logger.Error().Err(err).Str("ticket_id", d.TicketID).Msg("assignment write failed")
			continue
		}
		completed := time.Now().UTC()
		_ = o.Store.UpsertStageOutcome(ctx, models.StageOutcome{
			TicketID: ticketID, BatchID: batchID, Stage: models.StageRouting,
			Status: models.StageCompleted, Message: a.Explanation,
			StartedAt: started, CompletedAt: &completed,
		})
		o.Bus.Publish(models.Event{
			TicketID: ticketID, BatchID: batchID, Stage: models.StageRouting,
			Status: models.StageCompleted, Field: "assignment",
			Message: a.Explanation,
			Data: map[string]any{
				"agent_id":  a.AgentID,
				"office_id": a.OfficeID,
				"details":   a.RoutingDetails,
			},
			Timestamp: time.Now().UTC(),
		})
		routed++
	}
	return routed
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
