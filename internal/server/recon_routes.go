package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	recondomain "github.com/smallbiznis/reckon/internal/recon/domain"
)

func registerReconRoutes(g *gin.RouterGroup, recon recondomain.Service) {
	g.POST("/recon/transactions", func(c *gin.Context) {
		var body struct {
			ChannelID     snowflake.ID      `json:"channel_id"`
			Provider      string            `json:"provider"`
			ProviderTxnID string            `json:"provider_txn_id"`
			Type          string            `json:"type"`
			AmountCents   int64             `json:"amount_cents"`
			FeeCents      int64             `json:"fee_cents"`
			NetCents      int64             `json:"net_cents"`
			Currency      string            `json:"currency"`
			Status        string            `json:"status"`
			OccurredAt    time.Time         `json:"occurred_at"`
			Metadata      map[string]string `json:"metadata"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			abortWithError(c, recondomain.ErrInvalidTxn)
			return
		}

		result, err := recon.Ingest(c.Request.Context(), recondomain.TxnInput{
			ChannelID:     body.ChannelID,
			Provider:      body.Provider,
			ProviderTxnID: body.ProviderTxnID,
			Type:          recondomain.TxnType(body.Type),
			AmountCents:   body.AmountCents,
			FeeCents:      body.FeeCents,
			NetCents:      body.NetCents,
			Currency:      body.Currency,
			Status:        body.Status,
			OccurredAt:    body.OccurredAt,
			Metadata:      body.Metadata,
		})
		if err != nil {
			abortWithError(c, err)
			return
		}

		status := http.StatusCreated
		if !result.Inserted {
			status = http.StatusOK
		}
		c.JSON(status, result)
	})

	g.GET("/recon/transactions", func(c *gin.Context) {
		channelID, err := parseID(c.Query("channel_id"))
		if err != nil {
			abortWithError(c, err)
			return
		}

		items, err := recon.ListTxns(c.Request.Context(), recondomain.TxnFilter{
			ChannelID:   channelID,
			Provider:    strings.ToLower(c.Query("provider")),
			MatchStatus: recondomain.MatchStatus(strings.ToUpper(c.Query("match_status"))),
			Limit:       queryInt(c, "limit"),
			Offset:      queryInt(c, "offset"),
		})
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"transactions": items})
	})

	g.GET("/recon/transactions/:id", func(c *gin.Context) {
		id, err := parseID(c.Param("id"))
		if err != nil {
			abortWithError(c, err)
			return
		}
		txn, err := recon.GetTxn(c.Request.Context(), id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, txn)
	})

	g.POST("/recon/transactions/:id/match", func(c *gin.Context) {
		id, err := parseID(c.Param("id"))
		if err != nil {
			abortWithError(c, err)
			return
		}

		var body struct {
			OrderID snowflake.ID `json:"order_id"`
		}
		if err := c.ShouldBindJSON(&body); err != nil || body.OrderID == 0 {
			abortWithError(c, errInvalidID)
			return
		}

		txn, err := recon.Match(c.Request.Context(), id, body.OrderID, actor(c))
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, txn)
	})

	g.POST("/recon/auto-match", func(c *gin.Context) {
		channelID, err := parseID(c.Query("channel_id"))
		if err != nil {
			abortWithError(c, err)
			return
		}
		result, err := recon.AutoMatch(c.Request.Context(), channelID, strings.ToLower(c.Query("provider")), queryInt(c, "limit"))
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	})

	g.GET("/recon/discrepancies", func(c *gin.Context) {
		channelID, err := parseID(c.Query("channel_id"))
		if err != nil {
			abortWithError(c, err)
			return
		}

		items, err := recon.ListDiscrepancies(c.Request.Context(), recondomain.DiscrepancyFilter{
			ChannelID: channelID,
			Status:    recondomain.DiscrepancyStatus(strings.ToUpper(c.Query("status"))),
			Severity:  recondomain.Severity(strings.ToLower(c.Query("severity"))),
			Limit:     queryInt(c, "limit"),
			Offset:    queryInt(c, "offset"),
		})
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"discrepancies": items})
	})

	g.POST("/recon/discrepancies", func(c *gin.Context) {
		var body struct {
			ChannelID             snowflake.ID  `json:"channel_id"`
			ProviderTransactionID snowflake.ID  `json:"provider_transaction_id"`
			OrderID               *snowflake.ID `json:"order_id"`
			Kind                  string        `json:"kind"`
			ExpectedCents         int64         `json:"expected_cents"`
			ActualCents           int64         `json:"actual_cents"`
			Severity              string        `json:"severity"`
			Description           string        `json:"description"`
		}
		if err := c.ShouldBindJSON(&body); err != nil || body.ChannelID == 0 || body.ProviderTransactionID == 0 {
			abortWithError(c, errInvalidID)
			return
		}

		discrepancy, err := recon.CreateDiscrepancy(c.Request.Context(), body.ChannelID, recondomain.DiscrepancyInput{
			ProviderTransactionID: body.ProviderTransactionID,
			OrderID:               body.OrderID,
			Kind:                  recondomain.DiscrepancyKind(body.Kind),
			ExpectedCents:         body.ExpectedCents,
			ActualCents:           body.ActualCents,
			Severity:              recondomain.Severity(body.Severity),
			Description:           body.Description,
		})
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, discrepancy)
	})

	g.POST("/recon/discrepancies/:id/investigate", func(c *gin.Context) {
		id, err := parseID(c.Param("id"))
		if err != nil {
			abortWithError(c, err)
			return
		}

		discrepancy, err := recon.InvestigateDiscrepancy(c.Request.Context(), id, actor(c))
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, discrepancy)
	})

	g.POST("/recon/discrepancies/:id/resolve", func(c *gin.Context) {
		id, err := parseID(c.Param("id"))
		if err != nil {
			abortWithError(c, err)
			return
		}

		var body struct {
			Resolution string `json:"resolution"`
			Accepted   bool   `json:"accepted"`
		}
		_ = c.ShouldBindJSON(&body)

		discrepancy, err := recon.ResolveDiscrepancy(c.Request.Context(), id, actor(c), body.Resolution, body.Accepted)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, discrepancy)
	})

	g.GET("/recon/stats", func(c *gin.Context) {
		channelID, err := parseID(c.Query("channel_id"))
		if err != nil {
			abortWithError(c, err)
			return
		}
		stats, err := recon.Stats(c.Request.Context(), channelID)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, stats)
	})
}
