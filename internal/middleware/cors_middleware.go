package middleware

import "github.com/gin-gonic/gin"

// CORSMiddleware allows the mobile/web client origins configured at deploy
// time to call the bootstrap REST endpoints and negotiate the WebSocket
// upgrade from a browser context.
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}
