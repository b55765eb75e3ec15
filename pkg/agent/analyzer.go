package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"sylvia/pkg/cache"
	"sylvia/pkg/events"
	"sylvia/pkg/llm"
	"sylvia/pkg/pattern"
	"sylvia/pkg/session"
	"sylvia/pkg/task"
	"sylvia/pkg/workflow"
)

// Analysis windows and limits.
const (
	historyWindow      = 90 * 24 * time.Hour
	historyLimit       = 50
	sessionWindow      = 30 * 24 * time.Hour
	maxInsights        = 5
	insightsConfidence = 0.7
)

// Insight is one actionable observation.
type Insight struct {
	Category   string  `json:"category" validate:"required,oneof=scheduling estimation difficulty energy"`
	Insight    string  `json:"insight" validate:"required"`
	Confidence float64 `json:"confidence" validate:"min=0.1,max=1"`
	Action     string  `json:"action" validate:"required"`
}

type insightSet struct {
	Insights []Insight `json:"insights" validate:"dive"`
}

// Bundle is the cached recommendation snapshot for a user.
type Bundle struct {
	UserID      string              `json:"userId"`
	GeneratedAt time.Time           `json:"generatedAt"`
	Trigger     Trigger             `json:"trigger"`
	Predictions *Predictions        `json:"predictions"`
	Insights    []Insight           `json:"insights"`
	Scheduling  *CompletionPatterns `json:"scheduling"`
	Complexity  *ComplexityPatterns `json:"complexity"`
	Energy      []EnergyStat        `json:"energy"`
}

// AnalysisResult is the outcome of an analysis run.
type AnalysisResult struct {
	Result
	PatternsStored []string `json:"patternsStored,omitempty"`
	Bundle         *Bundle  `json:"bundle,omitempty"`
}

// AnalyzerConfig tunes the analyzer.
type AnalyzerConfig struct {
	Location             *time.Location
	MinCompletionSamples int
	MinComplexitySamples int
	// ComplexityConfidence is stored with complexity_handling patterns
	// unless DeriveComplexityConfidence is set, in which case the
	// sample-weighted group confidence is used.
	ComplexityConfidence       float64
	DeriveComplexityConfidence bool
	BundleTTL                  time.Duration
}

// DefaultAnalyzerConfig returns the standard thresholds in UTC.
func DefaultAnalyzerConfig() AnalyzerConfig {
	return AnalyzerConfig{
		Location:             time.UTC,
		MinCompletionSamples: MinCompletionSamples,
		MinComplexitySamples: 3,
		ComplexityConfidence: 0.8,
		BundleTTL:            time.Hour,
	}
}

const insightsSystemPrompt = `You are a productivity analyst. From the behavioral patterns below,
write 3 to 5 short, specific insights the user can act on this week.

Each insight has a category (one of: scheduling, estimation, difficulty, energy),
a confidence between 0.1 and 1.0 and one concrete next action.

Respond with ONLY a JSON object:
{"insights": [{"category": "scheduling", "insight": "...", "confidence": 0.7, "action": "..."}]}`

// Analyzer derives behavioral patterns from a user's score history.
type Analyzer struct {
	tasks    Tasks
	sessions Sessions
	gen      llm.Generator
	cache    Cache
	events   events.Appender
	runner   *workflow.Runner
	cfg      AnalyzerConfig
	now      func() time.Time
	log      *slog.Logger
}

// NewAnalyzer creates an Analyzer.
func NewAnalyzer(tasks Tasks, sessions Sessions, gen llm.Generator, c Cache, ev events.Appender, runner *workflow.Runner, cfg AnalyzerConfig, log *slog.Logger) *Analyzer {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.BundleTTL <= 0 {
		cfg.BundleTTL = time.Hour
	}
	return &Analyzer{
		tasks:    tasks,
		sessions: sessions,
		gen:      gen,
		cache:    c,
		events:   ev,
		runner:   runner,
		cfg:      cfg,
		now:      time.Now,
		log:      log.With("component", "analyzer"),
	}
}

type gathered struct {
	History  []task.Scored   `json:"history"`
	Sessions []session.Entry `json:"sessions"`
}

// Run analyzes the user's history. Stages without enough data produce no
// pattern; the bundle is cached regardless.
func (a *Analyzer) Run(ctx context.Context, in AnalyzerInput) AnalysisResult {
	if in.UserID == "" {
		return AnalysisResult{Result: skipped("no user")}
	}
	if in.Type == "" {
		in.Type = TriggerManual
	}
	now := a.now()
	key := in.RunKey
	if key == "" {
		// Unkeyed runs never share memoized steps.
		key = uuid.Must(uuid.NewV7()).String()
	}
	run := a.runner.Start(fmt.Sprintf("analyzer:%s:%s:%s", in.UserID, in.Type, key))

	data, err := workflow.Step(ctx, run, "gather", func(ctx context.Context) (gathered, error) {
		history, err := a.tasks.RecentCompleted(ctx, in.UserID, now.Add(-historyWindow), historyLimit)
		if err != nil {
			return gathered{}, err
		}
		entries, err := a.sessions.Range(ctx, in.UserID, now.Add(-sessionWindow), now)
		if err != nil {
			return gathered{}, err
		}
		return gathered{History: history, Sessions: entries}, nil
	})
	if err != nil {
		a.log.Error("gather failed", "user", in.UserID, "err", err)
		return AnalysisResult{Result: failed(err)}
	}

	bundle := &Bundle{
		UserID:      in.UserID,
		GeneratedAt: now,
		Trigger:     in.Type,
		Insights:    []Insight{},
		Scheduling:  AnalyzeCompletions(data.History, a.cfg.Location, a.cfg.MinCompletionSamples),
		Complexity:  AnalyzeComplexity(data.History, a.cfg.MinComplexitySamples),
		Energy:      AnalyzeEnergy(data.Sessions, a.cfg.Location),
	}
	bundle.Predictions = Predict(bundle.Scheduling, now.In(a.cfg.Location).Hour())

	res := AnalysisResult{Result: Result{Success: true}, Bundle: bundle}
	var stageErr error

	// Each pattern type is its own key, so these writes are independent.
	if bundle.Scheduling != nil {
		err := a.storePattern(ctx, run, in.UserID, pattern.TypeOptimalScheduling, bundle.Scheduling,
			SchedulingConfidence(bundle.Scheduling.SampleSize), bundle.Scheduling.SampleSize)
		if err != nil {
			stageErr = err
		} else {
			res.PatternsStored = append(res.PatternsStored, pattern.TypeOptimalScheduling)
		}
	}
	if bundle.Complexity != nil {
		conf := a.cfg.ComplexityConfidence
		if a.cfg.DeriveComplexityConfidence {
			conf = bundle.Complexity.WeightedConfidence()
		}
		err := a.storePattern(ctx, run, in.UserID, pattern.TypeComplexityHandling, bundle.Complexity,
			conf, bundle.Complexity.SampleSize)
		if err != nil {
			stageErr = err
		} else {
			res.PatternsStored = append(res.PatternsStored, pattern.TypeComplexityHandling)
		}
	}

	if bundle.Scheduling != nil || bundle.Complexity != nil {
		insights, err := workflow.Step(ctx, run, "insights", func(ctx context.Context) ([]Insight, error) {
			raw, err := a.gen.Generate(ctx, insightsSystemPrompt+"\n\n---\n\n"+insightsPrompt(bundle))
			if err != nil {
				return nil, err
			}
			set, err := llm.Decode[insightSet](raw)
			if err != nil {
				a.log.Warn("insights unusable", "user", in.UserID, "err", err)
				return []Insight{}, nil
			}
			if len(set.Insights) > maxInsights {
				set.Insights = set.Insights[:maxInsights]
			}
			return set.Insights, nil
		})
		switch {
		case err != nil:
			stageErr = err
		case len(insights) > 0:
			bundle.Insights = insights
			err := a.storePattern(ctx, run, in.UserID, pattern.TypeAIInsights, insights, insightsConfidence, len(insights))
			if err == nil {
				res.PatternsStored = append(res.PatternsStored, pattern.TypeAIInsights)
				err = workflow.Do(ctx, run, "announce-insights", func(ctx context.Context) error {
					_, err := a.events.Append(ctx, events.StreamML, events.InsightsGenerated{
						UserID: in.UserID, TaskID: in.TaskID, InsightCount: len(insights),
					})
					return err
				})
			}
			if err != nil {
				stageErr = err
			}
		}
	}

	if err := a.cache.SetJSON(ctx, cache.RecommendationsKey(in.UserID), bundle, a.cfg.BundleTTL); err != nil {
		a.log.Error("cache bundle failed", "user", in.UserID, "err", err)
		if stageErr == nil {
			stageErr = err
		}
	}

	if stageErr != nil {
		a.log.Error("analysis incomplete", "user", in.UserID, "err", stageErr)
		res.Result = failed(stageErr)
		return res
	}
	a.log.Info("analysis complete", "user", in.UserID, "trigger", in.Type, "patterns", len(res.PatternsStored), "insights", len(bundle.Insights))
	return res
}

func (a *Analyzer) storePattern(ctx context.Context, run *workflow.Run, userID, patternType string, data any, confidence float64, samples int) error {
	return workflow.Do(ctx, run, "store-"+patternType, func(ctx context.Context) error {
		_, err := a.tasks.StorePattern(ctx, userID, patternType, data, confidence, samples)
		return err
	})
}

func insightsPrompt(b *Bundle) string {
	var sb strings.Builder
	section := func(title string, v any) {
		data, _ := json.MarshalIndent(v, "", "  ")
		fmt.Fprintf(&sb, "## %s\n\n%s\n\n", title, data)
	}
	if b.Scheduling != nil {
		section("Completion timing", b.Scheduling)
	}
	if b.Complexity != nil {
		section("Difficulty handling", b.Complexity)
	}
	if len(b.Energy) > 0 {
		section("Energy by hour", b.Energy)
	}
	if b.Predictions != nil && b.Predictions.Next != nil {
		fmt.Fprintf(&sb, "Next optimal slot: %02d:00 (in %d hours)\n", b.Predictions.Next.Hour, b.Predictions.Next.HoursUntil)
	}
	return sb.String()
}
