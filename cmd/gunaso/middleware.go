package main

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// corsHeaders covers the JSON intake API plus the WebSocket upgrade
// headers the status gateway needs.
var corsHeaders = strings.Join([]string{
	"Origin",
	"Content-Type",
	"Authorization",
	"Upgrade",
	"Connection",
	"Sec-WebSocket-Key",
	"Sec-WebSocket-Version",
	"Sec-WebSocket-Protocol",
}, ", ")

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", corsHeaders)
		c.Header("Access-Control-Allow-Credentials", "true")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
