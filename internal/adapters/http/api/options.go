package api

// Option configures a Server.
type Option func(*Server)

// WithMaxWebhookBytes bounds the size of a single webhook body.
func WithMaxWebhookBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.webhookHandler.maxBytes = n
		}
	}
}
