package server

import (
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	frauddomain "github.com/smallbiznis/reckon/internal/fraud/domain"
)

func registerFraudRoutes(g *gin.RouterGroup, fraud frauddomain.Service) {
	g.POST("/fraud/check", func(c *gin.Context) {
		var body struct {
			OrderID snowflake.ID `json:"order_id"`
		}
		if err := c.ShouldBindJSON(&body); err != nil || body.OrderID == 0 {
			abortWithError(c, errInvalidID)
			return
		}

		result, err := fraud.Evaluate(c.Request.Context(), body.OrderID)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	})

	g.POST("/fraud/check/batch", func(c *gin.Context) {
		var body struct {
			OrderIDs []snowflake.ID `json:"order_ids"`
		}
		if err := c.ShouldBindJSON(&body); err != nil || len(body.OrderIDs) == 0 {
			abortWithError(c, errInvalidID)
			return
		}

		result, err := fraud.EvaluateBatch(c.Request.Context(), body.OrderIDs)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	})

	g.GET("/fraud/orders/:order_id/scores", func(c *gin.Context) {
		orderID, err := parseID(c.Param("order_id"))
		if err != nil {
			abortWithError(c, err)
			return
		}
		scores, err := fraud.History(c.Request.Context(), orderID)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"scores": scores})
	})
}
