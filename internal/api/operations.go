package api

import (
	"io"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"github.com/ehr/fhirstore/internal/bulk"
	"github.com/ehr/fhirstore/internal/engine"
	"github.com/ehr/fhirstore/internal/platform/fhir"
)

func (h *Handler) capabilities(c echo.Context) error {
	return respond(c, http.StatusOK, h.engine.Capabilities(h.base(c)))
}

// search serves GET /:type and POST /:type/_search. Form parameters of a
// POST are merged with the query string.
func (h *Handler) search(c echo.Context) error {
	rt, err := resourceType(c)
	if err != nil {
		return err
	}
	values := url.Values{}
	for k, vs := range c.QueryParams() {
		values[k] = append(values[k], vs...)
	}
	if c.Request().Method == http.MethodPost {
		if err := c.Request().ParseForm(); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "malformed form body")
		}
		for k, vs := range c.Request().PostForm {
			values[k] = append(values[k], vs...)
		}
	}
	page, err := h.engine.Search(c.Request().Context(), rt, values)
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, page.Bundle(h.base(c)))
}

func (h *Handler) bundle(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return err
	}
	res, err := h.engine.ExecuteBundle(c.Request().Context(), body)
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, res.Bundle(h.base(c)))
}

func (h *Handler) validate(c echo.Context) error {
	rt, err := resourceType(c)
	if err != nil {
		return err
	}
	res, err := readBody(c)
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, h.engine.Validate(c.Request().Context(), rt, res))
}

func (h *Handler) everything(c echo.Context) error {
	if c.Param("type") != string(fhir.TypePatient) {
		return echo.NewHTTPError(http.StatusNotFound, "$everything is only defined on Patient")
	}
	versions, err := h.engine.Everything(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, engine.EverythingBundle(versions, h.base(c)))
}

// export streams NDJSON. The system-level form takes _type; the type-level
// form exports that type only. Once the first byte is out, a failure can
// only be logged.
func (h *Handler) export(c echo.Context) error {
	var types []fhir.ResourceType
	if c.Param("type") != "" {
		rt, err := resourceType(c)
		if err != nil {
			return err
		}
		types = []fhir.ResourceType{rt}
	} else if raw := c.QueryParam("_type"); raw != "" {
		parsed, err := bulk.ParseTypes(raw)
		if err != nil {
			return err
		}
		types = parsed
	}

	c.Response().Header().Set(echo.HeaderContentType, fhir.ContentTypeNDJSON)
	c.Response().WriteHeader(http.StatusOK)
	sum, err := h.engine.Export(c.Request().Context(), c.Response(), types)
	if err != nil {
		h.logger.Error().Err(err).Int("written", sum.Total).Msg("export interrupted")
		return nil
	}
	h.logger.Info().Int("total", sum.Total).Msg("export complete")
	return nil
}

func (h *Handler) importNDJSON(c echo.Context) error {
	res, err := h.engine.Import(c.Request().Context(), c.Request().Body)
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, res.Outcome())
}
