package routes

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/stellardevsa/marketplace/services/checkout-service/controllers"
	"github.com/stellardevsa/marketplace/services/common/middleware"
)

func RegisterHealthRoutes(r *gin.Engine, serviceName string) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": serviceName})
	})
}

// RegisterCartRoutes mounts the cart API. auth resolves the caller's session.
func RegisterCartRoutes(r *gin.Engine, controller *controllers.CartController, auth gin.HandlerFunc, timeout time.Duration) {
	api := r.Group("/cart")
	api.Use(auth, middleware.Timeout(timeout))
	{
		api.GET("/", controller.GetCart)
		api.POST("/add", controller.AddItem)
		api.PUT("/items/:product_id", controller.UpdateQuantity)
		api.DELETE("/remove/:product_id", controller.RemoveItem)
		api.DELETE("/clear", controller.ClearCart)
	}
}

// RegisterCheckoutRoutes mounts the checkout API. The event stream is kept
// out of the request timeout.
func RegisterCheckoutRoutes(r *gin.Engine, controller *controllers.CheckoutController, auth gin.HandlerFunc, timeout time.Duration) {
	api := r.Group("/checkout")
	api.Use(auth)
	{
		api.GET("/:id/events", controller.Events)
	}

	bounded := api.Group("")
	bounded.Use(middleware.Timeout(timeout))
	{
		bounded.POST("/", controller.StartCheckout)
		bounded.POST("/buy-now", controller.BuyNow)
		bounded.GET("/attempts", controller.ListAttempts)
		bounded.GET("/:id", controller.GetAttempt)
		bounded.POST("/:id/signature", controller.SubmitSignature)
		bounded.POST("/:id/reject", controller.RejectSignature)
		bounded.POST("/:id/cancel", controller.Cancel)
		bounded.GET("/:id/reconcile", controller.Reconcile)
	}
}
