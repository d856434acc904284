package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("orderId", ""),
		OrderID("orderId", "not-a-uuid"),
		MaxLength("reason", strings.Repeat("x", MaxStringLength+1), MaxStringLength),
		Amount("shippingCost", "1.999"),
		OneOf("resolution", "split", "release", "refund"),
	)
	assert.Len(t, errs, 5)
	assert.Equal(t, "orderId is required", errs.Error())

	assert.Nil(t, Validate(
		Required("orderId", "3f8e6a3c-7a55-4e4f-9a35-1bb1c2d9a001"),
		OrderID("orderId", "3f8e6a3c-7a55-4e4f-9a35-1bb1c2d9a001"),
		Amount("shippingCost", "12.50"),
		Amount("shippingCost", ""),
		OneOf("resolution", "refund", "release", "refund"),
	))
}

func TestSanitizeString(t *testing.T) {
	assert.Equal(t, "damaged", SanitizeString("  dam\x00aged  ", 100))
	assert.Equal(t, "abc", SanitizeString("abcdef", 3))
}

func TestOrderIDParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/orders/:id/ship", OrderIDParamMiddleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/orders/42/ship", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/orders/3f8e6a3c-7a55-4e4f-9a35-1bb1c2d9a001/ship", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RequestSizeMiddleware(8))
	router.POST("/x", func(c *gin.Context) {
		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(`{"k":"0123456789"}`)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}
