package api

import (
	"sync"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"github.com/swaggo/swag"
)

// openAPIDoc 把内嵌文档注册为 swag 文档源
type openAPIDoc struct{}

// ReadDoc 实现 swag.Swagger
func (openAPIDoc) ReadDoc() string {
	data, err := OpenAPIJSON()
	if err != nil {
		return "{}"
	}
	return string(data)
}

var registerDocOnce sync.Once

// registerSwaggerRoutes 注册 Swagger 文档页面
func registerSwaggerRoutes(engine *gin.Engine) {
	registerDocOnce.Do(func() {
		swag.Register(swag.Name, openAPIDoc{})
	})
	engine.GET("/swagger/*any", ginSwagger.WrapHandler(
		swaggerFiles.Handler,
		ginSwagger.DocExpansion("none"),
	))
}
