package health

import (
	"net/http"

	resp "account_service/internal/lib/api/response"

	"github.com/go-chi/render"
)

type Response struct {
	resp.Response
	Status string `json:"status"`
}

func New() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, Response{
			Response: resp.OK(r),
			Status:   "healthy",
		})
	}
}
