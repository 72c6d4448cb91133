package admin

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"pouw-captcha/coordinator"
	"pouw-captcha/difficulty"
	"pouw-captcha/logging"
	"pouw-captcha/risk"
)

// The debug endpoints run a single engine step for operators. They are not
// the public CAPTCHA surface: nothing is persisted and no session is opened.

func (s *Server) postScore(ctx echo.Context) error {
	if s.c.Scorer == nil || s.c.Coordinator == nil {
		return ctx.JSON(http.StatusServiceUnavailable, ErrorDto{Error: "risk scorer not configured"})
	}
	var body ScoreRequestDto
	if err := ctx.Bind(&body); err != nil {
		return ctx.JSON(http.StatusBadRequest, ErrorDto{Error: "invalid request body"})
	}
	score := s.c.Scorer.Score(ctx.Request().Context(), risk.ClientSignals{
		IP:          body.IP,
		UserAgent:   body.UserAgent,
		SiteKey:     body.SiteKey,
		Fingerprint: body.Fingerprint,
	})
	tier := s.c.Coordinator.TierFor(score.Value)
	return ctx.JSON(http.StatusOK, ScoreResponseDto{Score: score, Tier: s.c.Coordinator.TierConfig(tier)})
}

func (s *Server) postAssign(ctx echo.Context) error {
	if s.c.Coordinator == nil {
		return ctx.JSON(http.StatusServiceUnavailable, ErrorDto{Error: "coordinator not configured"})
	}
	var body AssignRequestDto
	if err := ctx.Bind(&body); err != nil {
		return ctx.JSON(http.StatusBadRequest, ErrorDto{Error: "invalid request body"})
	}
	task, escalation, err := s.c.Coordinator.AssignTask(ctx.Request().Context(), coordinator.AssignRequest{
		SessionID:        body.SessionID,
		RiskScore:        body.RiskScore,
		DomainMultiplier: body.DomainMultiplier,
		AttackLevel:      body.AttackLevel,
	})
	if err != nil {
		logging.Warn("Debug assignment failed", logging.Server, "error", err)
		return ctx.JSON(http.StatusConflict, ErrorDto{Error: err.Error()})
	}
	return ctx.JSON(http.StatusOK, AssignResponseDto{Task: task, Escalation: escalation})
}

func (s *Server) postValidate(ctx echo.Context) error {
	if s.c.Validator == nil {
		return ctx.JSON(http.StatusServiceUnavailable, ErrorDto{Error: "validator not configured"})
	}
	var body ValidateRequestDto
	if err := ctx.Bind(&body); err != nil {
		return ctx.JSON(http.StatusBadRequest, ErrorDto{Error: "invalid request body"})
	}
	task := coordinator.Task{
		ID:             body.TaskID,
		ModelName:      body.Model,
		GroundTruthKey: body.GroundTruthKey,
		ExpectedTimeMs: body.ExpectedTimeMs,
		Budget:         difficulty.BudgetFor(body.ExpectedTimeMs),
	}
	if body.Budget != nil {
		task.Budget = *body.Budget
	}
	return ctx.JSON(http.StatusOK, s.c.Validator.ValidateShards(task, body.Proof, body.Timing))
}
