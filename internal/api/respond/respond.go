package respond

import (
	"io"
	"net/http"
	"strconv"

	"github.com/wb-go/wbf/ginext"
)

// Success represents a standard structure for successful responses.
type Success struct {
	Result interface{} `json:"result"`
}

// Error represents a standard structure for error responses.
type Error struct {
	Message string `json:"message"`
}

// Data streams a file from an io.Reader as the HTTP response.
// A negative size streams without a Content-Length header.
func Data(c *ginext.Context, status int, contentType string, size int64, reader io.Reader) {
	c.Header("X-Content-Type-Options", "nosniff")
	c.DataFromReader(status, size, contentType, reader, nil)
}

// Attachment is like Data but suggests a download filename.
func Attachment(c *ginext.Context, contentType, filename string, size int64, reader io.Reader) {
	c.Header("X-Content-Type-Options", "nosniff")
	c.DataFromReader(http.StatusOK, size, contentType, reader, map[string]string{
		"Content-Disposition": "inline; filename=" + strconv.Quote(filename),
	})
}

// JSON sends a JSON response with the specified HTTP status code and data.
// It uses the Gin context to encode the data into JSON format.
func JSON(c *ginext.Context, status int, data interface{}) {
	c.JSON(status, data)
}

// OK sends a 200 OK JSON response, wrapping the given result in a Success struct.
func OK(c *ginext.Context, result interface{}) {
	JSON(c, http.StatusOK, Success{Result: result})
}

// Created sends a 201 Created JSON response, wrapping the given result in a Success struct.
func Created(c *ginext.Context, result interface{}) {
	JSON(c, http.StatusCreated, Success{Result: result})
}

// Fail sends an error JSON response with the specified HTTP status code.
// The error message is wrapped in an Error struct.
func Fail(c *ginext.Context, status int, err error) {
	JSON(c, status, Error{Message: err.Error()})
}
