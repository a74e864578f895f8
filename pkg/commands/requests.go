package commands

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/kubeflow/publishing-api/pkg/content"
	"github.com/kubeflow/publishing-api/pkg/links"
)

// AccessLimit restricts a draft to the listed user UIDs.
type AccessLimit struct {
	Users []string `json:"users"`
}

// PutDraftRequest creates or replaces the draft of a document.
type PutDraftRequest struct {
	ContentID           string             `json:"content_id" validate:"required,uuid"`
	Locale              string             `json:"locale" validate:"omitempty,bcp47_language_tag"`
	PreviousVersion     *int               `json:"previous_version,omitempty" validate:"omitempty,min=0"`
	BasePath            string             `json:"base_path,omitempty" validate:"omitempty,startswith=/"`
	Title               string             `json:"title"`
	Description         string             `json:"description,omitempty"`
	DocumentType        string             `json:"document_type" validate:"required,routing_key_part"`
	SchemaName          string             `json:"schema_name" validate:"required,routing_key_part"`
	PublishingApp       string             `json:"publishing_app" validate:"required"`
	RenderingApp        string             `json:"rendering_app,omitempty"`
	Phase               string             `json:"phase,omitempty" validate:"omitempty,oneof=alpha beta live"`
	AnalyticsIdentifier string             `json:"analytics_identifier,omitempty"`
	Details             map[string]any     `json:"details,omitempty"`
	Routes              []content.Route    `json:"routes,omitempty" validate:"dive"`
	Redirects           []content.Route    `json:"redirects,omitempty" validate:"dive"`
	UpdateType          content.UpdateType `json:"update_type,omitempty" validate:"omitempty,oneof=major minor republish links"`
	ChangeNote          string             `json:"change_note,omitempty"`
	AccessLimited       *AccessLimit       `json:"access_limited,omitempty"`
	PublicUpdatedAt     *time.Time         `json:"public_updated_at,omitempty"`
	FirstPublishedAt    *time.Time         `json:"first_published_at,omitempty"`
	UserUID             string             `json:"-"`
}

// PublishRequest publishes the draft of a document.
type PublishRequest struct {
	ContentID       string             `json:"content_id" validate:"required,uuid"`
	Locale          string             `json:"locale,omitempty"`
	UpdateType      content.UpdateType `json:"update_type,omitempty"`
	PreviousVersion *int               `json:"previous_version,omitempty"`
	UserUID         string             `json:"-"`
}

// UnpublishRequest takes the published edition of a document down.
type UnpublishRequest struct {
	ContentID       string                   `json:"content_id" validate:"required,uuid"`
	Locale          string                   `json:"locale,omitempty"`
	Type            content.UnpublishingType `json:"type" validate:"required,oneof=withdrawal redirect gone vanish"`
	Explanation     string                   `json:"explanation,omitempty" validate:"required_if=Type withdrawal"`
	AlternativePath string                   `json:"alternative_path,omitempty" validate:"required_if=Type redirect"`
	DiscardDrafts   bool                     `json:"discard_drafts,omitempty"`
	PreviousVersion *int                     `json:"previous_version,omitempty"`
	UnpublishedAt   *time.Time               `json:"unpublished_at,omitempty"`
	UserUID         string                   `json:"-"`
}

// DiscardDraftRequest deletes the draft of a document.
type DiscardDraftRequest struct {
	ContentID       string `json:"content_id" validate:"required,uuid"`
	Locale          string `json:"locale,omitempty"`
	PreviousVersion *int   `json:"previous_version,omitempty"`
	UserUID         string `json:"-"`
}

// PatchLinkSetRequest replaces the given link types of a link set.
type PatchLinkSetRequest struct {
	ContentID       string                    `json:"content_id" validate:"required,uuid"`
	Links           map[string][]links.Target `json:"links" validate:"required"`
	PreviousVersion *int                      `json:"previous_version,omitempty"`
	UserUID         string                    `json:"-"`
}

var routingKeyPart = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	// Registration only fails for an empty tag or a nil function.
	_ = v.RegisterValidation("routing_key_part", func(fl validator.FieldLevel) bool {
		return routingKeyPart.MatchString(fl.Field().String())
	})
	v.RegisterStructValidation(validateRoutes, PutDraftRequest{})
	return v
}

// validateRoutes checks route and redirect types and requires a routable item
// to declare a route or redirect for its own base path.
func validateRoutes(sl validator.StructLevel) {
	req := sl.Current().Interface().(PutDraftRequest)
	for i, r := range req.Routes {
		if r.Type != "exact" && r.Type != "prefix" {
			sl.ReportError(req.Routes[i].Type, fmt.Sprintf("routes[%d].type", i), "Type", "route_type", r.Type)
		}
	}
	for i, r := range req.Redirects {
		if r.Type != "exact" && r.Type != "prefix" {
			sl.ReportError(req.Redirects[i].Type, fmt.Sprintf("redirects[%d].type", i), "Type", "route_type", r.Type)
		}
		if r.Destination == "" {
			sl.ReportError(req.Redirects[i].Destination, fmt.Sprintf("redirects[%d].destination", i), "Destination", "required", "")
		}
	}
	if req.BasePath == "" {
		return
	}
	if len(req.Routes) == 0 && len(req.Redirects) == 0 {
		sl.ReportError(req.Routes, "routes", "Routes", "base_path_route", req.BasePath)
		return
	}
	found := false
	for _, r := range append(append([]content.Route{}, req.Routes...), req.Redirects...) {
		if r.Path == req.BasePath {
			found = true
		}
	}
	if !found {
		sl.ReportError(req.Routes, "routes", "Routes", "base_path_route", req.BasePath)
	}
}

// validationError converts validator errors into a 422 CommandError keyed by
// JSON field name.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fields := map[string][]string{}
	for _, fe := range verrs {
		name := fe.Field()
		fields[name] = append(fields[name], describe(fe))
	}
	return invalid("Unprocessable entity", fields)
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return "is required"
	case "uuid":
		return "must be a UUID"
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "startswith":
		return "must be an absolute path"
	case "routing_key_part":
		return "must contain only letters, numbers and underscores"
	case "bcp47_language_tag":
		return "must be a supported locale"
	case "route_type":
		return "must be 'exact' or 'prefix'"
	case "base_path_route":
		return fmt.Sprintf("must include %s", fe.Param())
	default:
		return fmt.Sprintf("failed the '%s' check", fe.Tag())
	}
}
