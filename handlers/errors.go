package handlers

import (
	"net/http"

	"github.com/sw/keycloak-login/utils"
)

// NotFound handles requests that match no route
func NotFound(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteProblem(w, r, utils.Problem{
		Status: http.StatusNotFound,
		Title:  "Not Found Path",
		Detail: "No handler found for " + r.Method + " " + r.URL.Path,
	})
}

// MethodNotAllowed handles requests whose path matches a route but not its method
func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteProblem(w, r, utils.Problem{
		Status: http.StatusMethodNotAllowed,
		Detail: "Request method " + r.Method + " is not supported",
	})
}
