package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/zulandar/threadyard/internal/models"
	"github.com/zulandar/threadyard/internal/store"
)

// registerRoutes sets up all API routes on the Gin router.
func registerRoutes(router *gin.Engine, opts StartOpts) {
	names := make(map[string]string, len(opts.Channels))
	for _, ch := range opts.Channels {
		names[ch.ID] = ch.Name
	}

	router.GET("/healthz", handleHealth())
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))

	api := router.Group("/api")
	api.GET("/conversations", handleConversations(opts.Store, names))
	api.GET("/days/:channel/:date", handleDay(opts.Store, names))
	api.GET("/range", handleRange(opts.Store))
}

func handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// handleConversations serves GET /api/conversations?start=&end=&channel=.
// start and end accept YYYY-MM-DD or RFC 3339.
func handleConversations(s store.Store, names map[string]string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start, err := parseTime(c.Query("start"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("start: %v", err)})
			return
		}
		end, err := parseTime(c.Query("end"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("end: %v", err)})
			return
		}
		if !start.IsZero() && !end.IsZero() && !end.After(start) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "end must be after start"})
			return
		}

		convs, err := s.GetConversations(c.Request.Context(), store.Filter{
			Start:     start,
			End:       end,
			ChannelID: c.Query("channel"),
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"count":         len(convs),
			"conversations": documents(convs, names),
		})
	}
}

// handleDay serves GET /api/days/:channel/:date with the day's marker state
// and its conversations.
func handleDay(s store.Store, names map[string]string) gin.HandlerFunc {
	return func(c *gin.Context) {
		channelID := c.Param("channel")
		day, err := time.Parse(time.DateOnly, c.Param("date"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
			return
		}
		ctx := c.Request.Context()

		processed, err := s.IsDayProcessed(ctx, channelID, day)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		convs, err := s.GetConversations(ctx, store.Filter{
			Start:     day,
			End:       day.AddDate(0, 0, 1),
			ChannelID: channelID,
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"channel_id":    channelID,
			"channel_name":  names[channelID],
			"date":          day.Format(time.DateOnly),
			"processed":     processed,
			"conversations": documents(convs, names),
		})
	}
}

func handleRange(s store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		first, last, ok, err := s.DateRange(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if !ok {
			c.JSON(http.StatusOK, gin.H{"empty": true})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"empty":    false,
			"earliest": first,
			"latest":   last,
		})
	}
}

func documents(convs []models.Conversation, names map[string]string) []models.ConversationDocument {
	out := make([]models.ConversationDocument, len(convs))
	for i, conv := range convs {
		out[i] = models.NewConversationDocument(conv, names[conv.ChannelID])
	}
	return out
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("want YYYY-MM-DD or RFC 3339, got %q", s)
	}
	return t.UTC(), nil
}
