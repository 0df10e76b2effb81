package server

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	disputedomain "github.com/smallbiznis/reckon/internal/dispute/domain"
	webhookdomain "github.com/smallbiznis/reckon/internal/webhook/domain"
	"github.com/smallbiznis/reckon/pkg/db/pagination"
)

func registerWebhookRoutes(g *gin.RouterGroup, dispatcher webhookdomain.Dispatcher) {
	g.POST("/webhooks/:provider", func(c *gin.Context) {
		payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20))
		if err != nil {
			abortWithError(c, webhookdomain.ErrInvalidPayload)
			return
		}

		result, err := dispatcher.Dispatch(c.Request.Context(), c.Param("provider"), payload)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	})
}

func registerDisputeRoutes(g *gin.RouterGroup, disputes disputedomain.Service) {
	g.GET("/disputes", func(c *gin.Context) {
		channelID, err := parseID(c.Query("channel_id"))
		if err != nil {
			abortWithError(c, err)
			return
		}

		var page pagination.Pagination
		if err := c.ShouldBindQuery(&page); err != nil {
			abortWithError(c, webhookdomain.ErrInvalidPayload)
			return
		}

		filter := disputedomain.ListFilter{
			ChannelID: channelID,
			Status:    disputedomain.Status(strings.ToUpper(c.Query("status"))),
			Provider:  strings.ToLower(c.Query("provider")),
			Limit:     page.PageSize + 1,
		}
		if raw := c.Query("needs_manual"); raw != "" {
			value := raw == "true" || raw == "1"
			filter.NeedsManual = &value
		}
		if page.PageToken != "" {
			cursor, err := pagination.DecodeCursor(page.PageToken)
			if err != nil {
				abortWithError(c, errInvalidID)
				return
			}
			createdAt, err := time.Parse(time.RFC3339Nano, cursor.CreatedAt)
			if err != nil {
				abortWithError(c, errInvalidID)
				return
			}
			beforeID, err := snowflake.ParseString(cursor.ID)
			if err != nil {
				abortWithError(c, errInvalidID)
				return
			}
			filter.BeforeCreatedAt = &createdAt
			filter.BeforeID = beforeID
		}

		items, err := disputes.List(c.Request.Context(), filter)
		if err != nil {
			abortWithError(c, err)
			return
		}

		items, pageInfo := pagination.BuildCursorPageInfo(items, page.PageSize, func(d disputedomain.Dispute) string {
			token, _ := pagination.EncodeCursor(pagination.Cursor{
				ID:        d.ID.String(),
				CreatedAt: d.CreatedAt.Format(time.RFC3339Nano),
			})
			return token
		})
		c.JSON(http.StatusOK, gin.H{"disputes": items, "page_info": pageInfo})
	})

	g.GET("/disputes/stats", func(c *gin.Context) {
		channelID, err := parseID(c.Query("channel_id"))
		if err != nil {
			abortWithError(c, err)
			return
		}
		stats, err := disputes.Stats(c.Request.Context(), channelID)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, stats)
	})

	g.GET("/disputes/:id", func(c *gin.Context) {
		id, err := parseID(c.Param("id"))
		if err != nil {
			abortWithError(c, err)
			return
		}
		detail, err := disputes.Get(c.Request.Context(), id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, detail)
	})

	g.POST("/disputes/:id/evidence", func(c *gin.Context) {
		id, err := parseID(c.Param("id"))
		if err != nil {
			abortWithError(c, err)
			return
		}
		pack, err := disputes.BuildEvidence(c.Request.Context(), id, actor(c))
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, pack)
	})

	g.PATCH("/disputes/:id/evidence", func(c *gin.Context) {
		id, err := parseID(c.Param("id"))
		if err != nil {
			abortWithError(c, err)
			return
		}

		var body struct {
			ProductDescription string   `json:"product_description"`
			CustomerComms      []string `json:"customer_comms"`
			RefundPolicy       string   `json:"refund_policy"`
			TermsOfService     string   `json:"terms_of_service"`
			Attachments        []string `json:"attachments"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			abortWithError(c, errInvalidID)
			return
		}

		pack, err := disputes.UpdateEvidence(c.Request.Context(), id, actor(c), disputedomain.EvidenceInput{
			ProductDescription: body.ProductDescription,
			CustomerComms:      body.CustomerComms,
			RefundPolicy:       body.RefundPolicy,
			TermsOfService:     body.TermsOfService,
			Attachments:        body.Attachments,
		})
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, pack)
	})

	g.POST("/disputes/:id/evidence/ready", func(c *gin.Context) {
		id, err := parseID(c.Param("id"))
		if err != nil {
			abortWithError(c, err)
			return
		}
		pack, err := disputes.MarkEvidenceReady(c.Request.Context(), id, actor(c))
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, pack)
	})

	g.POST("/disputes/:id/evidence/submit", func(c *gin.Context) {
		id, err := parseID(c.Param("id"))
		if err != nil {
			abortWithError(c, err)
			return
		}
		dispute, err := disputes.SubmitEvidence(c.Request.Context(), id, actor(c))
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, dispute)
	})

	g.GET("/disputes/:id/recommendation", func(c *gin.Context) {
		id, err := parseID(c.Param("id"))
		if err != nil {
			abortWithError(c, err)
			return
		}
		recommendation, err := disputes.Recommend(c.Request.Context(), id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, recommendation)
	})

	g.POST("/disputes/:id/manual", func(c *gin.Context) {
		id, err := parseID(c.Param("id"))
		if err != nil {
			abortWithError(c, err)
			return
		}

		var body struct {
			Reason string `json:"reason"`
		}
		_ = c.ShouldBindJSON(&body)
		if body.Reason == "" {
			body.Reason = "flagged for manual review"
		}

		dispute, err := disputes.MarkNeedsManual(c.Request.Context(), id, actor(c), body.Reason)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, dispute)
	})

	g.POST("/disputes/:id/status", func(c *gin.Context) {
		id, err := parseID(c.Param("id"))
		if err != nil {
			abortWithError(c, err)
			return
		}

		var body struct {
			Status string `json:"status"`
			Note   string `json:"note"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			abortWithError(c, disputedomain.ErrInvalidStatus)
			return
		}

		dispute, err := disputes.UpdateStatus(c.Request.Context(), id,
			disputedomain.Status(strings.ToUpper(body.Status)), actor(c), body.Note)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, dispute)
	})

	g.POST("/disputes/:id/sync", func(c *gin.Context) {
		id, err := parseID(c.Param("id"))
		if err != nil {
			abortWithError(c, err)
			return
		}
		dispute, err := disputes.SyncCase(c.Request.Context(), id, actor(c))
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, dispute)
	})
}

func parseID(raw string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(raw))
	if err != nil || id == 0 {
		return 0, errInvalidID
	}
	return id, nil
}

func queryInt(c *gin.Context, key string) int {
	value, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return 0
	}
	return value
}

func actor(c *gin.Context) string {
	if value := strings.TrimSpace(c.GetHeader("X-Actor")); value != "" {
		return value
	}
	return "api"
}
