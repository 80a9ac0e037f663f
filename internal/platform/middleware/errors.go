package middleware

// errorBody matches the {"error","message"} shape the API handlers return.
func errorBody(code, message string) map[string]string {
	return map[string]string{"error": code, "message": message}
}
