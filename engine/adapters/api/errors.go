package api

import "net/http"

// Code is the stable machine-readable error code carried in every error
// envelope. Gateway-layer failures map here; subsystem codes pass through
// unchanged.
type Code string

const (
	CodeValidation     Code = "VALIDATION_ERROR"
	CodeAuthentication Code = "AUTHENTICATION_ERROR"
	CodeAuthorization  Code = "AUTHORIZATION_ERROR"
	CodeNotFound       Code = "NOT_FOUND"
	CodeConflict       Code = "CONFLICT"
	CodeRateLimited    Code = "RATE_LIMITED"
	CodeTimeout        Code = "TIMEOUT"
	CodeRobotOffline   Code = "ROBOT_OFFLINE"
	CodeRobotBusy      Code = "ROBOT_BUSY"
	CodeRobotError     Code = "ROBOT_ERROR"
	CodeMotion         Code = "MOTION_ERROR"
	CodeSensor         Code = "SENSOR_ERROR"
	CodeSystem         Code = "SYSTEM_ERROR"
	CodeInternal       Code = "INTERNAL_ERROR"
	CodeNotImplemented Code = "NOT_IMPLEMENTED"
)

// HTTPStatus maps a code onto its response status.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeValidation:
		return http.StatusUnprocessableEntity
	case CodeAuthentication:
		return http.StatusUnauthorized
	case CodeAuthorization:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeTimeout:
		return http.StatusRequestTimeout
	case CodeRobotOffline, CodeRobotBusy, CodeRobotError:
		return http.StatusServiceUnavailable
	case CodeNotImplemented:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}
