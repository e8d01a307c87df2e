package nws

import (
	"context"
	"fmt"

	"github.com/couchcryptid/nowcast-service/internal/domain"
)

// ActiveAlerts returns the NWS warnings in effect at loc.
func (a *Adapter) ActiveAlerts(ctx context.Context, loc domain.Location) ([]domain.OfficialAlert, error) {
	var resp alertsResponse
	u := fmt.Sprintf("%s/alerts/active?point=%.4f,%.4f", a.baseURL, loc.Lat, loc.Lon)
	if err := a.client.GetJSON(ctx, u, &resp); err != nil {
		return nil, fmt.Errorf("nws: active alerts %s: %w", loc.Key(), err)
	}

	alerts := make([]domain.OfficialAlert, 0, len(resp.Features))
	for _, f := range resp.Features {
		p := f.Properties
		if p.ID == "" || p.Event == "" {
			return nil, domain.NewParseError(Name, "alert feature missing id or event", nil)
		}
		alerts = append(alerts, domain.OfficialAlert{
			ID:       p.ID,
			Event:    p.Event,
			Severity: p.Severity,
			Urgency:  p.Urgency,
			Headline: p.Headline,
			Area:     p.AreaDesc,
			Onset:    p.Onset,
			Expires:  p.Expires,
			Source:   Name,
		})
	}
	return alerts, nil
}
