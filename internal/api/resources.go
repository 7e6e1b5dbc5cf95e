package api

import (
	"net/http"
	"net/url"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/ehr/fhirstore/internal/conditional"
	"github.com/ehr/fhirstore/internal/platform/fhir"
	"github.com/ehr/fhirstore/internal/store"
)

// writeVersion answers a successful write or read with version headers and,
// depending on Prefer, the resource, an outcome or nothing.
func (h *Handler) writeVersion(c echo.Context, status int, v *store.Version) error {
	fhir.SetVersionHeaders(c, v.VersionID, v.LastUpdated)
	if status == http.StatusCreated {
		c.Response().Header().Set(echo.HeaderLocation, h.base(c)+"/"+v.Location())
	}
	if v.Deleted {
		return c.NoContent(http.StatusNoContent)
	}
	switch fhir.ParsePreferReturn(c.Request().Header.Get("Prefer")) {
	case fhir.ReturnMinimal:
		return c.NoContent(status)
	case fhir.ReturnOperationOutcome:
		return respond(c, status, fhir.SuccessOutcome(v.Location()))
	}
	return respond(c, status, v.Content)
}

func (h *Handler) writeResult(c echo.Context, r conditional.Result) error {
	switch r.Outcome {
	case conditional.Created:
		return h.writeVersion(c, http.StatusCreated, r.Version)
	case conditional.NoMatch, conditional.Deleted:
		if r.Version != nil {
			fhir.SetVersionHeaders(c, r.Version.VersionID, r.Version.LastUpdated)
		}
		return c.NoContent(http.StatusNoContent)
	default:
		return h.writeVersion(c, http.StatusOK, r.Version)
	}
}

func (h *Handler) create(c echo.Context) error {
	rt, err := resourceType(c)
	if err != nil {
		return err
	}
	res, err := readBody(c)
	if err != nil {
		return err
	}
	r, err := h.engine.Create(c.Request().Context(), rt, res, c.Request().Header.Get("If-None-Exist"))
	if err != nil {
		return err
	}
	return h.writeResult(c, r)
}

func (h *Handler) read(c echo.Context) error {
	rt, err := resourceType(c)
	if err != nil {
		return err
	}
	v, err := h.engine.Read(c.Request().Context(), rt, c.Param("id"))
	if err != nil {
		return err
	}
	if fhir.CheckIfNoneMatch(c, v.VersionID) {
		fhir.SetVersionHeaders(c, v.VersionID, v.LastUpdated)
		return c.NoContent(http.StatusNotModified)
	}
	return h.writeVersion(c, http.StatusOK, v)
}

func (h *Handler) vread(c echo.Context) error {
	rt, err := resourceType(c)
	if err != nil {
		return err
	}
	vid, err := strconv.Atoi(c.Param("vid"))
	if err != nil || vid <= 0 {
		return fhir.NewNotFound(rt, c.Param("id"))
	}
	v, err := h.engine.VRead(c.Request().Context(), rt, c.Param("id"), vid)
	if err != nil {
		return err
	}
	return h.writeVersion(c, http.StatusOK, v)
}

func (h *Handler) update(c echo.Context) error {
	rt, err := resourceType(c)
	if err != nil {
		return err
	}
	ifMatch, err := fhir.IfMatchVersion(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := readBody(c)
	if err != nil {
		return err
	}
	r, err := h.engine.Update(c.Request().Context(), rt, c.Param("id"), res, ifMatch)
	if err != nil {
		return err
	}
	return h.writeResult(c, r)
}

// criteria is the query string of a conditional request.
func criteria(c echo.Context) (string, error) {
	q := c.Request().URL.RawQuery
	if q == "" {
		return "", echo.NewHTTPError(http.StatusPreconditionFailed, "conditional request requires search criteria")
	}
	if _, err := url.ParseQuery(q); err != nil {
		return "", echo.NewHTTPError(http.StatusBadRequest, "malformed search criteria")
	}
	return q, nil
}

func (h *Handler) conditionalUpdate(c echo.Context) error {
	rt, err := resourceType(c)
	if err != nil {
		return err
	}
	crit, err := criteria(c)
	if err != nil {
		return err
	}
	ifMatch, err := fhir.IfMatchVersion(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := readBody(c)
	if err != nil {
		return err
	}
	r, err := h.engine.ConditionalUpdate(c.Request().Context(), rt, crit, res, ifMatch)
	if err != nil {
		return err
	}
	return h.writeResult(c, r)
}

func (h *Handler) delete(c echo.Context) error {
	rt, err := resourceType(c)
	if err != nil {
		return err
	}
	r, err := h.engine.Delete(c.Request().Context(), rt, c.Param("id"))
	if err != nil {
		return err
	}
	return h.writeResult(c, r)
}

func (h *Handler) conditionalDelete(c echo.Context) error {
	rt, err := resourceType(c)
	if err != nil {
		return err
	}
	crit, err := criteria(c)
	if err != nil {
		return err
	}
	r, err := h.engine.ConditionalDelete(c.Request().Context(), rt, crit)
	if err != nil {
		return err
	}
	return h.writeResult(c, r)
}

func (h *Handler) history(c echo.Context) error {
	rt, err := resourceType(c)
	if err != nil {
		return err
	}
	before := 0
	if raw := c.QueryParam("before"); raw != "" {
		before, err = strconv.Atoi(raw)
		if err != nil || before <= 0 {
			return fhir.NewUnsupportedParameter(rt, "before", "must be a positive version number")
		}
	}
	versions, err := h.engine.History(c.Request().Context(), rt, c.Param("id"), before)
	if err != nil {
		return err
	}
	entries := make([]fhir.HistoryEntry, 0, len(versions))
	for _, v := range versions {
		entries = append(entries, fhir.HistoryEntry{
			Resource:    v.Content,
			ResourceRef: v.Reference(),
			VersionID:   v.VersionID,
			Deleted:     v.Deleted,
			LastUpdated: v.LastUpdated,
		})
	}
	return respond(c, http.StatusOK, fhir.NewHistoryBundle(entries, h.base(c)))
}
