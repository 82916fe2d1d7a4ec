package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/barisgudul/Therapy-New-sub003/internal/models"
	"golang.org/x/sync/errgroup"
)

// MemoryRelevanceThreshold is the similarity a memory needs to be surfaced
// to the user as usedMemory.
const MemoryRelevanceThreshold = 0.75

const maxSnippetRunes = 140

// UserSummary is the short profile line block given to the model.
type UserSummary struct {
	Nickname     string
	TherapyGoals string
	RecentMood   string
	Themes       []string
	KeyInsights  []string
}

// Dossier is the context a builder assembles for one handler. Builders return
// it by value and handlers treat it as read-only.
type Dossier struct {
	Pipeline       PipelineType
	Summary        UserSummary
	Memories       []models.RetrievedMemory
	RecentActivity []string
	WarmStart      *models.WarmStartContext
}

// TopMemory returns the first memory at or above min similarity, or nil.
// Memories are ordered by similarity.
func (d Dossier) TopMemory(min float64) *models.RetrievedMemory {
	for _, m := range d.Memories {
		if m.Similarity >= min {
			m := m
			return &m
		}
	}
	return nil
}

// Render formats the dossier as a context block for a prompt.
func (d Dossier) Render() string {
	var sb strings.Builder
	sb.WriteString("## About the user\n")
	if d.Summary.Nickname != "" {
		fmt.Fprintf(&sb, "- Nickname: %s\n", d.Summary.Nickname)
	}
	if d.Summary.TherapyGoals != "" {
		fmt.Fprintf(&sb, "- Goals: %s\n", d.Summary.TherapyGoals)
	}
	if d.Summary.RecentMood != "" {
		fmt.Fprintf(&sb, "- Recent mood: %s\n", d.Summary.RecentMood)
	}
	if len(d.Summary.Themes) > 0 {
		fmt.Fprintf(&sb, "- Recurring topics: %s\n", strings.Join(d.Summary.Themes, ", "))
	}
	if len(d.Summary.KeyInsights) > 0 {
		fmt.Fprintf(&sb, "- Insights so far: %s\n", strings.Join(d.Summary.KeyInsights, "; "))
	}
	if len(d.Memories) > 0 {
		sb.WriteString("\n## Related memories\n")
		for _, m := range d.Memories {
			fmt.Fprintf(&sb, "- (%s, %.2f) %s\n", m.SourceLayer, m.Similarity, m.Content)
		}
	}
	if len(d.RecentActivity) > 0 {
		sb.WriteString("\n## Recent activity\n")
		for _, line := range d.RecentActivity {
			fmt.Fprintf(&sb, "- %s\n", line)
		}
	}
	if ws := d.WarmStart; ws != nil {
		sb.WriteString("\n## Earlier reflection\n")
		fmt.Fprintf(&sb, "- Theme: %s\n- User wrote: %s\n- Reflection given: %s\n", ws.Theme, ws.OriginalNote, ws.AIReflection)
	}
	return sb.String()
}

// BuildInput is the event-specific input to a context builder.
type BuildInput struct {
	// Query is the text memories are retrieved for.
	Query string
	// SkipMemories suppresses retrieval, e.g. for pure greetings.
	SkipMemories bool
	// PendingSessionID requests a warm start.
	PendingSessionID string
}

// ContextBuilder assembles the dossier for one pipeline type.
type ContextBuilder func(ctx context.Context, deps *Dependencies, pc *PipelineContext, in BuildInput) Dossier

type dossierPlan struct {
	memories    bool
	recentLimit int
	recentTypes []models.EventType
	warmStart   bool
}

func planBuilder(plan dossierPlan) ContextBuilder {
	return func(ctx context.Context, deps *Dependencies, pc *PipelineContext, in BuildInput) Dossier {
		return buildDossier(ctx, deps, pc, plan, in)
	}
}

var contextBuilders = map[PipelineType]ContextBuilder{
	PipelineTherapySession: planBuilder(dossierPlan{
		memories:    true,
		recentLimit: 5,
		recentTypes: []models.EventType{models.EventTypeDailyReflection, models.EventTypeDreamAnalysis, models.EventTypeDiaryEntry, models.EventTypeSessionSummary},
		warmStart:   true,
	}),
	PipelineDreamAnalysis: planBuilder(dossierPlan{
		memories:    true,
		recentLimit: 3,
		recentTypes: []models.EventType{models.EventTypeDreamAnalysis},
	}),
	PipelineDailyReflection: planBuilder(dossierPlan{
		memories:    true,
		recentLimit: 3,
		recentTypes: []models.EventType{models.EventTypeDailyReflection},
	}),
	PipelineDiaryManagement: planBuilder(dossierPlan{
		memories:    true,
		recentLimit: 3,
		recentTypes: []models.EventType{models.EventTypeDiaryEntry},
	}),
	PipelineDeepAnalysis:     planBuilder(dossierPlan{}),
	PipelineInsightSynthesis: planBuilder(dossierPlan{}),
}

// BuildDossier runs the context builder for the context's pipeline type.
func BuildDossier(ctx context.Context, deps *Dependencies, pc *PipelineContext, in BuildInput) Dossier {
	b, ok := contextBuilders[pc.Pipeline]
	if !ok {
		b = contextBuilders[PipelineDeepAnalysis]
	}
	return b(ctx, deps, pc, in)
}

// buildDossier fetches memories, recent events and the warm start
// concurrently. A failed lookup is logged and left out of the dossier.
func buildDossier(ctx context.Context, deps *Dependencies, pc *PipelineContext, plan dossierPlan, in BuildInput) Dossier {
	d := Dossier{Pipeline: pc.Pipeline, Summary: summarize(pc.Vault)}

	var (
		memories  []models.RetrievedMemory
		recent    []models.Event
		warmStart *models.WarmStartContext
	)
	g, gctx := errgroup.WithContext(ctx)

	if plan.memories && !in.SkipMemories && deps.Memory != nil && strings.TrimSpace(in.Query) != "" {
		g.Go(func() error {
			ioCtx, cancel := deps.ioContext(gctx)
			defer cancel()
			found, err := deps.Memory.RetrieveContext(ioCtx, pc.UserID, in.Query)
			if err != nil {
				pc.Logger.Warn("context builder: memory retrieval failed", "error", err)
				return nil
			}
			memories = found
			return nil
		})
	}
	if plan.recentLimit > 0 {
		g.Go(func() error {
			ioCtx, cancel := deps.ioContext(gctx)
			defer cancel()
			events, err := deps.Store.ListRecentEvents(ioCtx, pc.UserID, plan.recentLimit+1, plan.recentTypes...)
			if err != nil {
				pc.Logger.Warn("context builder: recent activity lookup failed", "error", err)
				return nil
			}
			recent = events
			return nil
		})
	}
	if plan.warmStart && in.PendingSessionID != "" {
		g.Go(func() error {
			warmStart = resolveWarmStart(gctx, deps, pc, in.PendingSessionID)
			return nil
		})
	}
	_ = g.Wait()

	d.Memories = memories
	d.WarmStart = warmStart
	for _, e := range recent {
		if e.ID == pc.Event.ID {
			continue
		}
		if len(d.RecentActivity) == plan.recentLimit {
			break
		}
		d.RecentActivity = append(d.RecentActivity, describeEvent(e))
	}
	pc.Logger.Debug("context builder: dossier built",
		"pipeline", pc.Pipeline, "memories", len(d.Memories), "recent", len(d.RecentActivity), "warm_start", d.WarmStart != nil)
	return d
}

func summarize(v *models.Vault) UserSummary {
	if v == nil {
		return UserSummary{}
	}
	return UserSummary{
		Nickname:     v.Profile.Nickname,
		TherapyGoals: v.Profile.TherapyGoals,
		RecentMood:   v.RecentMood(),
		Themes:       lastN(v.Themes, 5),
		KeyInsights:  lastN(v.KeyInsights, 3),
	}
}

func lastN(list []string, n int) []string {
	if len(list) <= n {
		return append([]string(nil), list...)
	}
	return append([]string(nil), list[len(list)-n:]...)
}

var snippetKeys = []string{"summary", "todayNote", "dreamText", "userInput", "reflectionText", "report", "welcomeMessage"}

// describeEvent renders one line of recent activity.
func describeEvent(e models.Event) string {
	text := ""
	for _, key := range snippetKeys {
		if s := e.DataString(key); s != "" {
			text = s
			break
		}
	}
	line := fmt.Sprintf("%s %s", e.CreatedAt.Format(time.DateOnly), e.Type)
	if text != "" {
		line += ": " + truncateRunes(text, maxSnippetRunes)
	}
	return line
}

func truncateRunes(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
