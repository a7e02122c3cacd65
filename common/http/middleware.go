package http

import (
	"strings"

	"studyroom/common/jwts"
	"studyroom/common/log"
)

// CorsMiddleware 跨域中间件
func CorsMiddleware() MiddlewareFunc {
	return func(c *Context) error {
		if c.GetHeader("Origin") != "" {
			c.SetHeader("Access-Control-Allow-Origin", "*")
			c.SetHeader("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
			c.SetHeader("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		}

		// 处理预检请求
		if c.Method() == "OPTIONS" {
			c.AbortWithStatus(204)
		}
		return nil
	}
}

// AuthMiddleware 校验 Bearer token，userID 写入上下文
func AuthMiddleware(secret string) MiddlewareFunc {
	return func(c *Context) error {
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if token == "" {
			log.Debug("缺少令牌 path=%s remote=%s", c.Path(), c.ClientIP())
			c.Unauthorized("Missing authorization token")
			c.Abort()
			return nil
		}

		userID, err := jwts.ParseToken(token, secret)
		if err != nil || userID == "" {
			log.Debug("令牌无效 path=%s remote=%s", c.Path(), c.ClientIP())
			c.Unauthorized("Invalid token")
			c.Abort()
			return nil
		}

		c.Set("userID", userID)
		return nil
	}
}
