package audit

import "context"

type clientKey struct{}

// Client is the network origin of the request that caused an audited action.
type Client struct {
	IP        string
	UserAgent string
}

func WithClient(ctx context.Context, ip, userAgent string) context.Context {
	return context.WithValue(ctx, clientKey{}, Client{IP: ip, UserAgent: userAgent})
}

func ClientFrom(ctx context.Context) Client {
	c, _ := ctx.Value(clientKey{}).(Client)
	return c
}
