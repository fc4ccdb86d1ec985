package api

import (
	_ "embed"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"gopkg.in/yaml.v3"
)

//go:embed openapi.yaml
var openAPISpec []byte

var (
	openAPIJSONOnce sync.Once
	openAPIJSON     []byte
	openAPIJSONErr  error
)

// registerOpenAPIRoutes 提供 /openapi 与 /openapi.json
func registerOpenAPIRoutes(engine *gin.Engine) {
	engine.GET("/openapi", serveOpenAPI)
	engine.GET("/openapi.yaml", serveOpenAPI)
	engine.GET("/openapi.json", serveOpenAPIJSON)
}

func serveOpenAPI(c *gin.Context) {
	c.Data(http.StatusOK, "application/yaml; charset=utf-8", openAPISpec)
}

func serveOpenAPIJSON(c *gin.Context) {
	data, err := OpenAPIJSON()
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Message: "文档解析失败", Details: err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", data)
}

// OpenAPIJSON 以 JSON 形式返回接口文档
func OpenAPIJSON() ([]byte, error) {
	openAPIJSONOnce.Do(func() {
		var doc map[string]interface{}
		if openAPIJSONErr = yaml.Unmarshal(openAPISpec, &doc); openAPIJSONErr != nil {
			return
		}
		openAPIJSON, openAPIJSONErr = json.Marshal(doc)
	})
	return openAPIJSON, openAPIJSONErr
}
