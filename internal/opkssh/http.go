package opkssh

import (
	"context"
	"net/http"
)

var httpDefaultClient = &http.Client{}

func httpNewRequest(ctx context.Context, url string) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
}
