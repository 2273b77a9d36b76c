// Package refinement turns aggregated performance data into persona
// configuration changes, closing the feedback loop into content generation.
package refinement

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/quizfeed/quiz-pipeline/internal/analytics"
	"github.com/quizfeed/quiz-pipeline/internal/metrics"
	"github.com/quizfeed/quiz-pipeline/internal/storage"
	"github.com/quizfeed/quiz-pipeline/pkg/types"
)

// MinSignificanceDelta is the minimum composite-score margin the best
// candidate must hold over the runner-up before a recommendation is
// accepted. Together with analytics.MinSampleCount it keeps the engine
// from thrashing on noise.
const MinSignificanceDelta = 0.05

// dimensions maps each configurable persona dimension to the analytics
// column it is judged by, in fixed evaluation order
var dimensions = []struct {
	name   string
	column string
}{
	{types.DimensionFormat, storage.GroupByFormat},
	{types.DimensionTimingProfile, storage.GroupByTimingBucket},
	{types.DimensionAudioTrack, storage.GroupByAudioTrack},
}

// Engine computes refinement reports and applies accepted recommendations
// to persona configurations. Runs are serialized: persona configs have a
// single writer at a time.
type Engine struct {
	store *storage.Store
	mu    sync.Mutex
}

// NewEngine creates a refinement engine over the store
func NewEngine(store *storage.Store) *Engine {
	return &Engine{store: store}
}

// score is the composite performance measure used for ranking. Completion
// rate is the engagement proxy for short-form video; views and watch time
// are reported but do not rank.
func score(g types.GroupStat) float64 {
	return g.AvgCompletionRate
}

// PerformContentRefinement runs one full refinement pass: rank dimension
// candidates per persona, build a report, apply accepted recommendations.
// The recommendation set is a pure function of the analytics records, so
// repeated runs over unchanged data produce identical reports and no
// further configuration changes.
func (e *Engine) PerformContentRefinement(ctx context.Context) (*types.RefinementResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	recommendations, err := e.buildRecommendations(ctx)
	if err != nil {
		return nil, err
	}

	report := &types.RefinementReport{
		ReportDate:      time.Now().UTC().Format("2006-01-02"),
		Recommendations: recommendations,
	}

	if report.AccountInsights, err = e.buildAccountInsights(ctx); err != nil {
		return nil, err
	}
	report.GlobalInsights.RecommendedImprovements = buildImprovements(recommendations)

	updated, err := e.apply(ctx, recommendations)
	if err != nil {
		return nil, err
	}

	if err := e.store.SaveRefinementReport(ctx, report); err != nil {
		return nil, err
	}

	accepted := 0
	for _, rec := range recommendations {
		if rec.Accepted {
			accepted++
		}
	}

	metrics.RefinementRuns.Inc()
	logrus.WithFields(logrus.Fields{
		"recommendations": len(recommendations),
		"accepted":        accepted,
		"updated":         updated,
	}).Info("Refinement run finished")

	return &types.RefinementResult{
		Applied: types.AppliedSummary{Updated: updated, Recommendations: accepted},
		Report:  report,
	}, nil
}

// GetRefinementSummary returns the latest stored report without triggering
// any recomputation
func (e *Engine) GetRefinementSummary(ctx context.Context) (*types.RefinementReport, error) {
	return e.store.GetLatestRefinementReport(ctx)
}

// buildRecommendations ranks candidates for every persona and dimension.
// Output ordering is deterministic: personas by name, dimensions in fixed
// order, ties between candidates broken by key.
func (e *Engine) buildRecommendations(ctx context.Context) ([]types.Recommendation, error) {
	byDimension := make(map[string]map[string][]types.GroupStat, len(dimensions))
	personaSet := make(map[string]bool)

	for _, dim := range dimensions {
		groups, err := e.store.GroupedPerformanceByPersona(ctx, dim.column)
		if err != nil {
			return nil, fmt.Errorf("failed to aggregate %s performance: %w", dim.name, err)
		}

		perPersona := make(map[string][]types.GroupStat)
		for _, g := range groups {
			perPersona[g.Persona] = append(perPersona[g.Persona], g.Stat)
			personaSet[g.Persona] = true
		}
		byDimension[dim.name] = perPersona
	}

	personas := make([]string, 0, len(personaSet))
	for persona := range personaSet {
		personas = append(personas, persona)
	}
	sort.Strings(personas)

	recommendations := make([]types.Recommendation, 0)
	for _, persona := range personas {
		for _, dim := range dimensions {
			candidates := byDimension[dim.name][persona]
			if len(candidates) == 0 {
				continue
			}
			recommendations = append(recommendations, rankCandidates(persona, dim.name, candidates)...)
		}
	}

	return recommendations, nil
}

// rankCandidates produces the recommendations for one persona/dimension:
// at most one accepted candidate, plus rejected entries for suppressed
// low-confidence or insignificant candidates so nothing is silently
// dropped
func rankCandidates(persona, dimension string, candidates []types.GroupStat) []types.Recommendation {
	sorted := make([]types.GroupStat, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool {
		if score(sorted[i]) != score(sorted[j]) {
			return score(sorted[i]) > score(sorted[j])
		}
		return sorted[i].Key < sorted[j].Key
	})

	var eligible []types.GroupStat
	for _, g := range sorted {
		if g.Count >= analytics.MinSampleCount {
			eligible = append(eligible, g)
		}
	}

	var recs []types.Recommendation

	if len(eligible) == 0 {
		top := sorted[0]
		recs = append(recs, types.Recommendation{
			Persona:     persona,
			Dimension:   dimension,
			Suggested:   top.Key,
			Delta:       0,
			SampleCount: top.Count,
			Accepted:    false,
			Reason:      fmt.Sprintf("low confidence: %d samples below minimum %d", top.Count, analytics.MinSampleCount),
		})
		return recs
	}

	best := eligible[0]

	// A low-confidence candidate outscoring the best eligible one is
	// suppressed, not followed; surface it in the report.
	for _, g := range sorted {
		if g.Count < analytics.MinSampleCount && score(g) > score(best) {
			recs = append(recs, types.Recommendation{
				Persona:     persona,
				Dimension:   dimension,
				Suggested:   g.Key,
				Delta:       round(score(g) - score(best)),
				SampleCount: g.Count,
				Accepted:    false,
				Reason:      fmt.Sprintf("low confidence: %d samples below minimum %d", g.Count, analytics.MinSampleCount),
			})
			break
		}
	}

	runnerUpScore := 0.0
	if len(eligible) > 1 {
		runnerUpScore = score(eligible[1])
	}
	delta := round(score(best) - runnerUpScore)

	rec := types.Recommendation{
		Persona:     persona,
		Dimension:   dimension,
		Suggested:   best.Key,
		Delta:       delta,
		SampleCount: best.Count,
	}
	if delta < MinSignificanceDelta {
		rec.Reason = fmt.Sprintf("delta %.4f below significance threshold %.4f", delta, MinSignificanceDelta)
	} else {
		rec.Accepted = true
	}

	return append(recs, rec)
}

// apply commits accepted recommendations to the persona configurations.
// A persona whose configuration already matches is a no-op and does not
// count as updated.
func (e *Engine) apply(ctx context.Context, recommendations []types.Recommendation) (int, error) {
	updatedPersonas := make(map[string]bool)

	for _, rec := range recommendations {
		if !rec.Accepted {
			continue
		}

		changed, err := e.applyOne(ctx, rec)
		if err != nil {
			return len(updatedPersonas), err
		}
		if changed {
			updatedPersonas[rec.Persona] = true
			metrics.ConfigUpdates.Inc()
		}
	}

	return len(updatedPersonas), nil
}

func (e *Engine) applyOne(ctx context.Context, rec types.Recommendation) (bool, error) {
	// One retry on version conflict covers a concurrent manual override.
	for attempt := 0; attempt < 2; attempt++ {
		cfg, err := e.store.EnsurePersonaConfig(ctx, rec.Persona)
		if err != nil {
			return false, fmt.Errorf("failed to load config for %s: %w", rec.Persona, err)
		}

		switch rec.Dimension {
		case types.DimensionFormat:
			if cfg.Format == rec.Suggested {
				return false, nil
			}
			cfg.Format = rec.Suggested
		case types.DimensionTimingProfile:
			if cfg.TimingProfile == rec.Suggested {
				return false, nil
			}
			cfg.TimingProfile = rec.Suggested
		case types.DimensionAudioTrack:
			if cfg.AudioTrack == rec.Suggested {
				return false, nil
			}
			cfg.AudioTrack = rec.Suggested
		default:
			return false, fmt.Errorf("unknown recommendation dimension: %s", rec.Dimension)
		}

		err = e.store.UpdatePersonaConfig(ctx, cfg, types.UpdatedByRefinement)
		if err == nil {
			logrus.WithFields(logrus.Fields{
				"persona":   rec.Persona,
				"dimension": rec.Dimension,
				"value":     rec.Suggested,
			}).Info("Applied refinement recommendation")
			return true, nil
		}
		if !errors.Is(err, storage.ErrConflict) {
			return false, err
		}
	}

	return false, fmt.Errorf("failed to apply recommendation for %s: %w", rec.Persona, storage.ErrConflict)
}

// buildAccountInsights assembles the per-account report section
func (e *Engine) buildAccountInsights(ctx context.Context) ([]types.AccountInsight, error) {
	insights, err := e.store.AccountSummaries(ctx)
	if err != nil {
		return nil, err
	}

	for i := range insights {
		if insights[i].TopFormat, err = e.topGroup(ctx, storage.GroupByFormat, insights[i].AccountID); err != nil {
			return nil, err
		}
		if insights[i].TopAudioTrack, err = e.topGroup(ctx, storage.GroupByAudioTrack, insights[i].AccountID); err != nil {
			return nil, err
		}
	}

	return insights, nil
}

// topGroup returns the best-scoring dimension value for an account among
// groups clearing the confidence threshold, or empty when none do
func (e *Engine) topGroup(ctx context.Context, dimension, accountID string) (string, error) {
	groups, err := e.store.GroupedPerformance(ctx, dimension, accountID, "")
	if err != nil {
		return "", err
	}

	top := ""
	topScore := -1.0
	for _, g := range groups {
		if g.Count < analytics.MinSampleCount {
			continue
		}
		if s := score(g); s > topScore || (s == topScore && g.Key < top) {
			top = g.Key
			topScore = s
		}
	}

	return top, nil
}

// buildImprovements renders the accepted recommendations as a ranked list:
// delta descending, then persona, then dimension
func buildImprovements(recommendations []types.Recommendation) []string {
	accepted := make([]types.Recommendation, 0, len(recommendations))
	for _, rec := range recommendations {
		if rec.Accepted {
			accepted = append(accepted, rec)
		}
	}

	sort.Slice(accepted, func(i, j int) bool {
		if accepted[i].Delta != accepted[j].Delta {
			return accepted[i].Delta > accepted[j].Delta
		}
		if accepted[i].Persona != accepted[j].Persona {
			return accepted[i].Persona < accepted[j].Persona
		}
		return accepted[i].Dimension < accepted[j].Dimension
	})

	improvements := make([]string, 0, len(accepted))
	for _, rec := range accepted {
		improvements = append(improvements,
			fmt.Sprintf("persona %s: set %s to %q (delta +%.4f, %d samples)",
				rec.Persona, rec.Dimension, rec.Suggested, rec.Delta, rec.SampleCount))
	}

	return improvements
}

// round trims float noise so reports compare stably across runs
func round(v float64) float64 {
	return float64(int64(v*10000+0.5)) / 10000
}
