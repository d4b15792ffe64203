package emergency

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/triage/internal/platform/auth"
	"github.com/ehr/triage/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/emergency")

	// Read endpoints – clinical staff and front desk
	readGroup := g.Group("", auth.RequireRole(auth.RoleDoctor, auth.RoleNurse, auth.RoleReceptionist))
	readGroup.GET("/cases", h.ListCases)
	readGroup.GET("/cases/active", h.ActiveCases)
	readGroup.GET("/cases/summary", h.Summary)
	readGroup.GET("/cases/:id", h.GetCase)
	readGroup.GET("/cases/:id/history", h.GetHistory)
	readGroup.GET("/cases/:id/wait", h.GetLiveWait)
	readGroup.GET("/doctors", h.ListDoctors)
	readGroup.POST("/classify", h.Classify)

	// Registration – front desk may register arrivals
	readGroup.POST("/cases", h.RegisterCase)

	// Treatment workflow – clinical staff
	clinicalGroup := g.Group("", auth.RequireRole(auth.RoleDoctor, auth.RoleNurse))
	clinicalGroup.POST("/cases/:id/status", h.AdvanceStatus)
	clinicalGroup.POST("/cases/:id/assign", h.AssignDoctor)
	clinicalGroup.PUT("/cases/:id/notes", h.UpdateNotes)

	g.POST("/cases/:id/reopen", h.Reopen, auth.RequireRole(auth.RoleDoctor))

	// Symptom checker – open to patients as well
	checkGroup := g.Group("/symptom-check", auth.RequireRole(auth.RoleDoctor, auth.RoleNurse, auth.RoleReceptionist, auth.RolePatient))
	checkGroup.GET("/categories", h.SymptomCategories)
	checkGroup.POST("", h.CheckSymptoms)
}

// caseResponse carries the updated case and the confirmation shown to the user.
type caseResponse struct {
	Case    EmergencyCase `json:"case"`
	Message string        `json:"message"`
}

type statusRequest struct {
	Status string `json:"status"`
}

type assignRequest struct {
	Doctor string `json:"doctor"`
}

type notesRequest struct {
	Notes string `json:"notes"`
}

type classifyRequest struct {
	Symptoms     []string `json:"symptoms"`
	SymptomsText string   `json:"symptoms_text"`
}

type classifyResponse struct {
	Priority          Priority `json:"priority"`
	EstimatedWaitTime int      `json:"estimated_wait_time"`
}

type waitResponse struct {
	CaseID            uuid.UUID `json:"case_id"`
	Status            Status    `json:"status"`
	EstimatedWaitTime int       `json:"estimated_wait_time"`
	LiveWaitTime      int       `json:"live_wait_time"`
}

// -- Read Handlers --

func (h *Handler) ListCases(c echo.Context) error {
	filter, err := ParsePriorityFilter(c.QueryParam("priority"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	pg := pagination.FromContext(c)
	items := h.svc.ListCases(c.Request().Context(), filter)
	return c.JSON(http.StatusOK, pagination.NewResponse(pagination.Slice(items, pg), len(items), pg))
}

func (h *Handler) ActiveCases(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.ActiveCases(c.Request().Context()))
}

func (h *Handler) Summary(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.Summary(c.Request().Context()))
}

func (h *Handler) GetCase(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ec, err := h.svc.GetCase(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, ec)
}

func (h *Handler) GetHistory(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	items, err := h.svc.History(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) GetLiveWait(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	ec, err := h.svc.GetCase(ctx, id)
	if err != nil {
		return httpError(err)
	}
	live, err := h.svc.LiveWaitTime(ctx, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, waitResponse{
		CaseID:            ec.ID,
		Status:            ec.Status,
		EstimatedWaitTime: ec.EstimatedWaitTime,
		LiveWaitTime:      live,
	})
}

func (h *Handler) ListDoctors(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.Doctors(c.Request().Context()))
}

func (h *Handler) Classify(c echo.Context) error {
	var req classifyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	symptoms := req.Symptoms
	if len(symptoms) == 0 {
		symptoms = ParseSymptoms(req.SymptomsText)
	}
	p, wait := h.svc.Classify(symptoms)
	return c.JSON(http.StatusOK, classifyResponse{Priority: p, EstimatedWaitTime: wait})
}

func (h *Handler) SymptomCategories(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.SymptomCategories(c.Request().Context()))
}

func (h *Handler) CheckSymptoms(c echo.Context) error {
	var req classifyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	symptoms := req.Symptoms
	if len(symptoms) == 0 {
		symptoms = ParseSymptoms(req.SymptomsText)
	}
	a, err := h.svc.CheckSymptoms(c.Request().Context(), symptoms)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

// -- Write Handlers --

func (h *Handler) RegisterCase(c echo.Context) error {
	var req RegisterRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ec, err := h.svc.RegisterCase(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, caseResponse{
		Case:    ec,
		Message: fmt.Sprintf("Emergency case registered with %s priority", strings.ToUpper(string(ec.Priority))),
	})
}

func (h *Handler) AdvanceStatus(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req statusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	to, err := ParseStatus(req.Status)
	if err != nil {
		return httpError(err)
	}
	ec, err := h.svc.AdvanceStatus(c.Request().Context(), id, to)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, caseResponse{Case: ec, Message: fmt.Sprintf("Case status updated to %s", ec.Status)})
}

func (h *Handler) AssignDoctor(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req assignRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ec, err := h.svc.AssignDoctor(c.Request().Context(), id, req.Doctor)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, caseResponse{Case: ec, Message: fmt.Sprintf("Doctor %s assigned to case", ec.AssignedDoctor)})
}

func (h *Handler) UpdateNotes(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req notesRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ec, err := h.svc.UpdateNotes(c.Request().Context(), id, req.Notes)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, caseResponse{Case: ec, Message: "Case notes updated"})
}

func (h *Handler) Reopen(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req assignRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ec, err := h.svc.Reopen(c.Request().Context(), id, req.Doctor)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, caseResponse{Case: ec, Message: "Case reopened for treatment"})
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// httpError maps triage errors onto HTTP status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrAlreadyAssigned):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
