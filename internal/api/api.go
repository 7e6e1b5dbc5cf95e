// Package api exposes the engine over FHIR REST. Handlers translate HTTP
// requests into engine operations and engine errors into OperationOutcome
// responses; no resource semantics live here.
package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirstore/internal/audit"
	"github.com/ehr/fhirstore/internal/engine"
	"github.com/ehr/fhirstore/internal/platform/auth"
	"github.com/ehr/fhirstore/internal/platform/fhir"
)

// Prefix is where the FHIR surface is mounted.
const Prefix = "/fhir"

type Handler struct {
	engine  *engine.Engine
	baseURL string
	logger  zerolog.Logger
}

// New creates the REST handler. baseURL is the absolute URL of the FHIR
// root used in links and Location headers; when empty it is derived from
// each request.
func New(eng *engine.Engine, baseURL string, logger zerolog.Logger) *Handler {
	return &Handler{
		engine:  eng,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger.With().Str("component", "api").Logger(),
	}
}

// Register mounts every route on g, which is expected to sit at Prefix.
func (h *Handler) Register(g *echo.Group) {
	g.Use(Scope())

	g.GET("/metadata", h.capabilities)
	g.POST("", h.bundle)
	g.POST("/", h.bundle)
	g.GET("/$export", h.export)
	g.POST("/$import", h.importNDJSON)

	g.GET("/:type", h.search)
	g.POST("/:type/_search", h.search)
	g.POST("/:type", h.create)
	g.PUT("/:type", h.conditionalUpdate)
	g.DELETE("/:type", h.conditionalDelete)
	g.POST("/:type/$validate", h.validate)
	g.GET("/:type/$export", h.export)

	g.GET("/:type/:id", h.read)
	g.PUT("/:type/:id", h.update)
	g.DELETE("/:type/:id", h.delete)
	g.GET("/:type/:id/_history", h.history)
	g.GET("/:type/:id/_history/:vid", h.vread)
	g.GET("/:type/:id/$everything", h.everything)
}

// IsBulk reports requests whose bodies may be large: bundles and imports.
func IsBulk(r *http.Request) bool {
	if r.Method != http.MethodPost {
		return false
	}
	p := strings.TrimRight(r.URL.Path, "/")
	return p == Prefix || p == Prefix+"/$import"
}

// IsStreaming reports requests that run without a deadline.
func IsStreaming(r *http.Request) bool {
	return strings.HasSuffix(r.URL.Path, "/$export") || strings.HasSuffix(r.URL.Path, "/$import")
}

// Scope carries the verified token into the engine: the subject becomes the
// audit actor and a patient claim confines reads to that compartment.
func Scope() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			claims := auth.ClaimsFromContext(c.Request().Context())
			if claims == nil {
				return next(c)
			}
			ctx := audit.WithActor(c.Request().Context(), claims.Actor())
			if claims.Patient != "" {
				ctx = engine.WithPatient(ctx, claims.Patient)
			}
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

func (h *Handler) base(c echo.Context) string {
	if h.baseURL != "" {
		return h.baseURL
	}
	return c.Scheme() + "://" + c.Request().Host + Prefix
}

func resourceType(c echo.Context) (fhir.ResourceType, error) {
	rt, ok := fhir.ParseResourceType(c.Param("type"))
	if !ok || rt == fhir.TypeBundle {
		return "", fhir.NewNotFound(fhir.ResourceType(c.Param("type")), "")
	}
	return rt, nil
}

func readBody(c echo.Context) (fhir.Resource, error) {
	data, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, err
	}
	res, err := fhir.ParseResource(data)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return res, nil
}

func respond(c echo.Context, status int, body interface{}) error {
	if body == nil {
		return c.NoContent(status)
	}
	c.Response().Header().Set(echo.HeaderContentType, fhir.ContentTypeJSON)
	return c.JSON(status, body)
}

// StatusFor maps an engine error kind onto an HTTP status.
func StatusFor(err error) int {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	kind := fhir.KindOf(err)
	if kind == "" {
		return http.StatusInternalServerError
	}
	code, _, _ := strings.Cut(fhir.StatusForKind(kind), " ")
	n, convErr := strconv.Atoi(code)
	if convErr != nil {
		return http.StatusInternalServerError
	}
	return n
}

// ErrorHandler renders every error as an OperationOutcome.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status := StatusFor(err)
		// a stale If-Match is a failed precondition rather than a conflict
		if status == http.StatusConflict && c.Request().Header.Get("If-Match") != "" {
			status = http.StatusPreconditionFailed
		}

		var outcome *fhir.OperationOutcome
		var he *echo.HTTPError
		switch {
		case errors.As(err, &he):
			outcome = fhir.NewOperationOutcome(fhir.IssueSeverityError, httpIssueCode(he.Code), messageOf(he))
		case fhir.KindOf(err) != "":
			outcome = fhir.OutcomeFor(err)
		default:
			logger.Error().Err(err).Str("path", c.Request().URL.Path).Msg("unhandled error")
			outcome = fhir.InternalErrorOutcome("internal server error")
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(status)
		} else {
			err = respond(c, status, outcome)
		}
		if err != nil {
			logger.Error().Err(err).Msg("write error response")
		}
	}
}

func httpIssueCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return fhir.IssueTypeInvalid
	case http.StatusUnauthorized, http.StatusForbidden:
		return "security"
	case http.StatusNotFound:
		return fhir.IssueTypeNotFound
	case http.StatusMethodNotAllowed:
		return fhir.IssueTypeNotSupported
	case http.StatusRequestEntityTooLarge:
		return "too-costly"
	default:
		return fhir.IssueTypeProcessing
	}
}

func messageOf(he *echo.HTTPError) string {
	if s, ok := he.Message.(string); ok {
		return s
	}
	return http.StatusText(he.Code)
}
