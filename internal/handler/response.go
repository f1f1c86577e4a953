// Package handler 提供 HTTP 请求处理
package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/skillmarket/market-chain/internal/repository"
)

// 业务错误码
const (
	CodeSuccess       = 0
	CodeInvalidParams = 10001
	CodeNotFound      = 10004
	CodeKeyNotFound   = 20001
	CodeRelayFailed   = 20002
	CodeInternalError = 50000
)

// Response 统一响应结构
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// PagedData 分页数据
type PagedData struct {
	Items    interface{} `json:"items"`
	Total    int64       `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
}

// Success 返回成功响应
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, &Response{Code: CodeSuccess, Message: "success", Data: data})
}

// SuccessWithPagination 返回分页成功响应
func SuccessWithPagination(c *gin.Context, items interface{}, page *repository.Pagination) {
	Success(c, &PagedData{
		Items:    items,
		Total:    page.Total,
		Page:     page.Page,
		PageSize: page.PageSize,
	})
}

// BadRequest 返回参数错误响应
func BadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, &Response{Code: CodeInvalidParams, Message: message})
}

// NotFound 返回资源不存在响应
func NotFound(c *gin.Context, message string) {
	c.JSON(http.StatusNotFound, &Response{Code: CodeNotFound, Message: message})
}

// InternalError 返回内部错误响应
func InternalError(c *gin.Context) {
	c.JSON(http.StatusInternalServerError, &Response{Code: CodeInternalError, Message: "internal error"})
}

// parsePagination 读取 page/page_size 查询参数
func parsePagination(c *gin.Context) *repository.Pagination {
	page := &repository.Pagination{Page: 1, PageSize: 20}
	if v := c.Query("page"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			page.Page = p
		}
	}
	if v := c.Query("page_size"); v != "" {
		if ps, err := strconv.Atoi(v); err == nil && ps > 0 && ps <= 100 {
			page.PageSize = ps
		}
	}
	return page
}
