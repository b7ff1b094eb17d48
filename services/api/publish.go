package api

import "context"

func (a *API) publishJSON(ctx context.Context, subject string, payload any) {
	if a.store.Bus == nil || subject == "" {
		return
	}
	if err := a.store.Bus.Publish(ctx, subject, payload); err != nil {
		a.logger.Warn().Err(err).Str("subject", subject).Msg("publish event")
	}
}
