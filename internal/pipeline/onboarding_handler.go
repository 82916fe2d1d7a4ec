package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/barisgudul/Therapy-New-sub003/internal/models"
)

// OnboardingResult is returned by HandleOnboarding.
type OnboardingResult struct {
	WelcomeMessage string `json:"welcomeMessage"`
}

// Reply returns the welcome message.
func (r OnboardingResult) Reply() string { return r.WelcomeMessage }

type onboardingOutput struct {
	Themes         []string `json:"themes"`
	KeyInsights    []string `json:"keyInsights"`
	WelcomeMessage string   `json:"welcomeMessage"`
}

// HandleOnboarding seeds the vault from the onboarding answers.
func HandleOnboarding(ctx context.Context, deps *Dependencies, pc *PipelineContext) Outcome {
	data, err := models.DecodeData[models.OnboardingData](pc.Event)
	nickname := strings.TrimSpace(data.Nickname)
	goals := strings.TrimSpace(data.TherapyGoals)
	if err != nil || (nickname == "" && len(data.Answers) == 0) {
		return Failure(NewValidationError(MsgOnboardingRequired, err))
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Nickname: %s\nGoals: %s\n", nickname, goals)
	keys := make([]string, 0, len(data.Answers))
	for k := range data.Answers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, "- %s: %s\n", k, truncateRunes(data.Answers[k], 500))
	}

	out, err := invokeAIJSON[onboardingOutput](ctx, deps, pc, models.Prompt{
		System: deps.Prompts.Onboarding,
		User:   sb.String(),
	}, "welcomeMessage")
	if err != nil {
		return Failure(err)
	}

	patch := models.VaultPatch{
		AddThemes:      nonEmpty(out.Themes, 10),
		AddKeyInsights: nonEmpty(out.KeyInsights, 10),
	}
	if nickname != "" {
		patch.Nickname = &nickname
	}
	if goals != "" {
		patch.TherapyGoals = &goals
	}
	if err := updateVault(ctx, deps, pc, patch); err != nil {
		pc.Logger.Error("failed to seed vault", "error", err)
		return Failure(err)
	}
	pc.Logger.Info("onboarding stored", "themes", len(patch.AddThemes), "insights", len(patch.AddKeyInsights))
	return Success(OnboardingResult{WelcomeMessage: strings.TrimSpace(out.WelcomeMessage)})
}
