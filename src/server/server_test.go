package server

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/valyala/fasthttp"

	"github.com/pincerhq/pincer/config"
	"github.com/pincerhq/pincer/src/registry"
)

func newTestServer(cfg *config.Config) *Server {
	reg := registry.New(zerolog.Nop(), time.Second)
	return New(cfg, reg, zerolog.Nop())
}

func TestHandlerRequiresUpgrade(t *testing.T) {
	srv := newTestServer(config.Default())

	var ctx fasthttp.RequestCtx
	ctx.Request.SetRequestURI("/pincer")
	srv.Handler()(&ctx)

	assert.Equal(t, fasthttp.StatusUpgradeRequired, ctx.Response.StatusCode())
	assert.Contains(t, string(ctx.Response.Body()), "upgrade_required")
}

func TestHandlerRejectsBadToken(t *testing.T) {
	cfg := config.Default()
	cfg.AuthToken = "s3cret"
	srv := newTestServer(cfg)

	var ctx fasthttp.RequestCtx
	ctx.Request.SetRequestURI("/pincer?token=wrong")
	ctx.Request.Header.Set("Upgrade", "websocket")
	srv.Handler()(&ctx)

	assert.Equal(t, fasthttp.StatusUnauthorized, ctx.Response.StatusCode())
}

func TestHandlerRejectsMissingToken(t *testing.T) {
	cfg := config.Default()
	cfg.AuthToken = "s3cret"
	srv := newTestServer(cfg)

	var ctx fasthttp.RequestCtx
	ctx.Request.SetRequestURI("/pincer")
	ctx.Request.Header.Set("Upgrade", "websocket")
	srv.Handler()(&ctx)

	assert.Equal(t, fasthttp.StatusUnauthorized, ctx.Response.StatusCode())
}
