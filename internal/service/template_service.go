// internal/service/template_service.go
package service

import (
	"strings"

	"github.com/unclebandit/bulkwa-backend/internal/model"
)

// RenderTemplate fills {key} placeholders from data.
func RenderTemplate(template string, data map[string]string) string {
	result := template
	for k, v := range data {
		result = strings.ReplaceAll(result, "{"+k+"}", v)
	}
	return result
}

func contactFields(c *model.Contact) map[string]string {
	name := strings.TrimSpace(c.Name)
	first := name
	if i := strings.IndexByte(name, ' '); i > 0 {
		first = name[:i]
	}
	return map[string]string{
		"name":       name,
		"first_name": first,
		"phone":      c.Phone,
	}
}
