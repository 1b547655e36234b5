// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package node

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// peerSummary is the /peers JSON shape: enough to eyeball connection
// health without exposing handler internals.
type peerSummary struct {
	Alias      string    `json:"alias"`
	CreatedAt  time.Time `json:"created_at"`
	BytesSent  uint64    `json:"bytes_sent"`
	BytesRecv  uint64    `json:"bytes_recv"`
	Open       bool      `json:"open"`
}

// AdminRouter builds a gin.Engine exposing /healthz, /metrics (this
// Acceptor's Prometheus registry), and /peers, grounded on the teacher's
// gin.New()-plus-handler-function convention
// (services/orchestrator/handlers.HealthCheck,
// services/trace/lsp cmd/trace's router setup).
func (a *Acceptor) AdminRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})))

	r.GET("/peers", func(c *gin.Context) {
		peers := a.Peers()
		summaries := make([]peerSummary, 0, len(peers))
		for _, p := range peers {
			summaries = append(summaries, peerSummary{
				Alias:     p.Alias(),
				CreatedAt: p.CreatedAt(),
				BytesSent: p.BytesSent(),
				BytesRecv: p.BytesRecv(),
				Open:      p.IsOpen(),
			})
		}
		c.JSON(http.StatusOK, gin.H{"peers": summaries})
	})

	return r
}
