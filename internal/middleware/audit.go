package middleware

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/FernandoVinha/TheManager/internal/services"
	"github.com/gin-gonic/gin"
)

const auditBodyLimit = 2000

var sensitiveKeys = map[string]bool{
	"password":     true,
	"old_password": true,
	"new_password": true,
	"token":        true,
	"access_token": true,
	"secret":       true,
	"sealed":       true,
}

// AuditLog records every write request to system_logs once the handler has
// run.
func AuditLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		method := c.Request.Method
		if method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions {
			c.Next()
			return
		}

		var body string
		if c.Request.Body != nil {
			raw, _ := io.ReadAll(c.Request.Body)
			c.Request.Body = io.NopCloser(bytes.NewReader(raw))
			body = maskBody(raw)
		}

		c.Next()

		var uid *uint
		if id := GetUserID(c); id > 0 {
			uid = &id
		}
		status := c.Writer.Status()
		module, action := routeInfo(c.FullPath(), method)
		message := fmt.Sprintf("[Audit] %s %s %s -> %d", GetUsername(c), method, c.Request.URL.Path, status)

		services.LogInfo(module, action, message, uid, c.ClientIP(), c.Request.UserAgent(), map[string]interface{}{
			"method": method,
			"path":   c.Request.URL.Path,
			"status": status,
			"body":   body,
			"audit":  true,
		})
	}
}

// routeInfo derives the log module and action from a route pattern:
// "/api/tasks/:id/status" + PUT gives ("tasks", "status").
func routeInfo(fullPath, method string) (module, action string) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(fullPath, "/api"), "/"), "/")
	module = parts[0]
	if module == "" {
		module = "unknown"
	}

	last := parts[len(parts)-1]
	if len(parts) > 1 && !strings.HasPrefix(last, ":") {
		return module, last
	}
	switch method {
	case http.MethodPost:
		action = "create"
	case http.MethodPut, http.MethodPatch:
		action = "update"
	case http.MethodDelete:
		action = "delete"
	default:
		action = strings.ToLower(method)
	}
	return module, action
}

// maskBody hides credential values in a JSON body and truncates the rest.
func maskBody(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err == nil {
		for k := range fields {
			if sensitiveKeys[strings.ToLower(k)] {
				fields[k] = "***"
			}
		}
		if masked, err := json.Marshal(fields); err == nil {
			raw = masked
		}
	} else if bytes.Contains(bytes.ToLower(raw), []byte("password")) {
		return "[unparsed body withheld]"
	}

	s := string(raw)
	if len(s) > auditBodyLimit {
		s = s[:auditBodyLimit] + "...[truncated]"
	}
	return s
}
