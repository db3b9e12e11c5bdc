package ingestion

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/thanigaiv/oncallforge/internal/errs"
	"github.com/thanigaiv/oncallforge/internal/model"
)

// severityMap normalizes a provider's native severity vocabulary onto the
// platform's five-level scale, per spec §4.1 step 3's example
// ("P1|critical|EMERGENCY -> CRITICAL").
type severityMap map[string]model.Severity

func (m severityMap) normalize(raw string) model.Severity {
	if sev, ok := m[strings.ToUpper(raw)]; ok {
		return sev
	}
	return model.SeverityInfo
}

var genericSeverities = severityMap{
	"CRITICAL": model.SeverityCritical,
	"HIGH":     model.SeverityHigh,
	"MEDIUM":   model.SeverityMedium,
	"LOW":      model.SeverityLow,
	"INFO":     model.SeverityInfo,
}

var datadogSeverities = severityMap{
	"P1":       model.SeverityCritical,
	"P2":       model.SeverityHigh,
	"P3":       model.SeverityMedium,
	"P4":       model.SeverityLow,
	"P5":       model.SeverityInfo,
	"CRITICAL": model.SeverityCritical,
	"WARNING":  model.SeverityMedium,
}

var alertmanagerSeverities = severityMap{
	"EMERGENCY": model.SeverityCritical,
	"CRITICAL":  model.SeverityCritical,
	"PAGE":      model.SeverityHigh,
	"WARNING":   model.SeverityMedium,
	"INFO":      model.SeverityInfo,
	"NONE":      model.SeverityInfo,
}

// genericPayload is the common shape the fallback adapter expects when an
// integration has no provider-specific adapter registered.
type genericPayload struct {
	Title      string                 `json:"title"`
	Severity   string                 `json:"severity"`
	Timestamp  json.Number            `json:"timestamp"`
	ExternalID string                 `json:"external_id"`
	RoutingKey string                 `json:"routing_key"`
	Service    string                 `json:"service"`
	Metadata   map[string]interface{} `json:"metadata"`
}

func parseGenericJSON(rawBody []byte) (NormalizedAlert, error) {
	var p genericPayload
	if err := json.Unmarshal(rawBody, &p); err != nil {
		return NormalizedAlert{}, errs.New("ingestion.parseGenericJSON", errs.ClassValidation, err)
	}
	return NormalizedAlert{
		Title:      p.Title,
		Severity:   genericSeverities.normalize(p.Severity),
		Timestamp:  parseTimestamp(p.Timestamp.String()),
		ExternalID: p.ExternalID,
		RoutingKey: p.RoutingKey,
		Service:    p.Service,
		Metadata:   p.Metadata,
	}, nil
}

// parseTimestamp accepts either Unix-seconds or ISO-8601, per spec §4.1
// step 3.
func parseTimestamp(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC()
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

// DatadogAdapter normalizes Datadog monitor-alert webhook payloads.
type DatadogAdapter struct{}

type datadogPayload struct {
	Title      string                 `json:"title"`
	AlertType  string                 `json:"alert_type"`
	Priority   string                 `json:"priority"`
	Date       int64                  `json:"date"` // epoch millis
	ID         string                 `json:"id"`
	Tags       []string               `json:"tags"`
	RoutingKey string                 `json:"routing_key"`
	Metadata   map[string]interface{} `json:"event_metadata"`
}

func (DatadogAdapter) Normalize(rawBody []byte) (NormalizedAlert, error) {
	var p datadogPayload
	if err := json.Unmarshal(rawBody, &p); err != nil {
		return NormalizedAlert{}, errs.New("ingestion.DatadogAdapter.Normalize", errs.ClassValidation, err)
	}
	raw := p.Priority
	if raw == "" {
		raw = p.AlertType
	}
	service := serviceFromTags(p.Tags)
	return NormalizedAlert{
		Title:      p.Title,
		Severity:   datadogSeverities.normalize(raw),
		Timestamp:  time.UnixMilli(p.Date).UTC(),
		ExternalID: p.ID,
		RoutingKey: p.RoutingKey,
		Service:    service,
		Metadata:   p.Metadata,
	}, nil
}

func serviceFromTags(tags []string) string {
	for _, tag := range tags {
		if strings.HasPrefix(tag, "service:") {
			return strings.TrimPrefix(tag, "service:")
		}
	}
	return ""
}

// AlertmanagerAdapter normalizes Prometheus Alertmanager webhook payloads,
// which batch multiple alerts per delivery; only the first alert in the
// group is used, whatever its status, matching how the platform treats one webhook call as
// one Alert (group-level dedup happens via the fingerprint, not here).
type AlertmanagerAdapter struct{}

type alertmanagerPayload struct {
	Status string `json:"status"`
	Alerts []struct {
		Status      string            `json:"status"`
		Labels      map[string]string `json:"labels"`
		Annotations map[string]string `json:"annotations"`
		StartsAt    time.Time         `json:"startsAt"`
		Fingerprint string            `json:"fingerprint"`
	} `json:"alerts"`
}

func (AlertmanagerAdapter) Normalize(rawBody []byte) (NormalizedAlert, error) {
	var p alertmanagerPayload
	if err := json.Unmarshal(rawBody, &p); err != nil {
		return NormalizedAlert{}, errs.New("ingestion.AlertmanagerAdapter.Normalize", errs.ClassValidation, err)
	}
	if len(p.Alerts) == 0 {
		return NormalizedAlert{}, errs.New("ingestion.AlertmanagerAdapter.Normalize", errs.ClassValidation,
			errs.ErrValidation)
	}
	a := p.Alerts[0]
	meta := map[string]interface{}{}
	for k, v := range a.Annotations {
		meta[k] = v
	}
	return NormalizedAlert{
		Title:      a.Annotations["summary"],
		Severity:   alertmanagerSeverities.normalize(a.Labels["severity"]),
		Timestamp:  a.StartsAt,
		ExternalID: a.Fingerprint,
		RoutingKey: a.Labels["routing_key"],
		Service:    a.Labels["service"],
		Metadata:   meta,
	}, nil
}
