package oauth

import (
	"html/template"
	"net/http"

	"github.com/gin-gonic/gin"
)

var pages = template.Must(template.New("outcome").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{if .OK}}Authorization complete{{else}}Authorization failed{{end}}</title>
<style>
body { font-family: sans-serif; text-align: center; padding: 50px; }
.ok { color: #388e3c; }
.fail { color: #d32f2f; }
</style>
</head>
<body>
{{if .OK}}
<h1 class="ok">Authorization complete</h1>
<p>Account: <strong>{{.Email}}</strong></p>
<p>You can close this window.</p>
{{else}}
<h1 class="fail">Authorization failed</h1>
<p>{{.Detail}}</p>
{{end}}
</body>
</html>
`))

type pageData struct {
	OK     bool
	Email  string
	Detail string
}

func renderOutcome(c *gin.Context, sess *Session) {
	o, _ := sess.Outcome()
	data := pageData{OK: o.Succeeded(), Email: o.Email}
	if o.Err != nil {
		data.Detail = o.Err.Error()
	}
	c.HTML(http.StatusOK, "outcome", data)
}
