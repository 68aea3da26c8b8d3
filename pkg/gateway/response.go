package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/labstack/echo/v4"

	"github.com/ikki-wiki/telescope-control-platform/pkg/catalog"
	"github.com/ikki-wiki/telescope-control-platform/pkg/mount"
)

// Global transaction counter
var txCounter atomic.Int32

type baseResponse struct {
	ClientTransactionID int    `json:"ClientTransactionID"`
	ServerTransactionID int    `json:"ServerTransactionID"`
	ErrorNumber         int    `json:"ErrorNumber"`
	ErrorMessage        string `json:"ErrorMessage"`
	Value               any    `json:"Value,omitempty"`
}

// Error numbers carried in the response envelope.
const (
	errNumNotImplemented = 0x400
	errNumInvalidValue   = 0x401
	errNumNotConnected   = 0x407
	errNumInvalidOp      = 0x40B
	errNumDriver         = 0x500
)

var errorKinds = []struct {
	err    error
	status int
	number int
}{
	{mount.ErrNotImplemented, http.StatusNotImplemented, errNumNotImplemented},
	{mount.ErrInvalidCoordinates, http.StatusBadRequest, errNumInvalidValue},
	{mount.ErrInvalidDirection, http.StatusBadRequest, errNumInvalidValue},
	{mount.ErrInvalidOption, http.StatusBadRequest, errNumInvalidValue},
	{mount.ErrInvalidTime, http.StatusBadRequest, errNumInvalidValue},
	{catalog.ErrObjectNotFound, http.StatusNotFound, errNumInvalidValue},
	{mount.ErrNotConnected, http.StatusConflict, errNumNotConnected},
	{mount.ErrAlreadyConnected, http.StatusConflict, errNumInvalidOp},
	{mount.ErrMotionAborted, http.StatusConflict, errNumInvalidOp},
	{mount.ErrVectorNotFound, http.StatusNotImplemented, errNumNotImplemented},
	{mount.ErrMotionTimeout, http.StatusGatewayTimeout, errNumDriver},
	{mount.ErrCapabilityTimeout, http.StatusGatewayTimeout, errNumDriver},
	{mount.ErrConfigMismatch, http.StatusBadGateway, errNumDriver},
	{mount.ErrDeviceNotFound, http.StatusBadGateway, errNumDriver},
	{mount.ErrConnection, http.StatusBadGateway, errNumDriver},
	{context.DeadlineExceeded, http.StatusGatewayTimeout, errNumDriver},
	{context.Canceled, http.StatusServiceUnavailable, errNumDriver},
}

// classify maps an error to an HTTP status and envelope error number.
func classify(err error) (int, int) {
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.status, k.number
		}
	}
	return http.StatusInternalServerError, errNumDriver
}

// clientTxID reads ClientTransactionID from the query or form, ignoring case.
// A missing id is 0.
func clientTxID(c echo.Context) (int, error) {
	params := url.Values{}
	for k, v := range c.QueryParams() {
		params[k] = v
	}
	if form, err := c.FormParams(); err == nil {
		for k, v := range form {
			params[k] = v
		}
	}

	for param, value := range params {
		if strings.ToLower(param) == "clienttransactionid" && len(value) > 0 {
			id, err := strconv.Atoi(value[0])
			if err != nil || id < 0 {
				return 0, errors.New("ClientTransactionID must be a non-negative integer")
			}
			return id, nil
		}
	}
	return 0, nil
}

func respond(c echo.Context, value any) error {
	txID, err := clientTxID(c)
	if err != nil {
		return c.String(http.StatusBadRequest, err.Error())
	}

	return c.JSON(http.StatusOK, baseResponse{
		ServerTransactionID: int(txCounter.Add(1)),
		ClientTransactionID: txID,
		Value:               value,
	})
}

func respondError(c echo.Context, err error) error {
	txID, _ := clientTxID(c)
	status, number := classify(err)

	return c.JSON(status, baseResponse{
		ServerTransactionID: int(txCounter.Add(1)),
		ClientTransactionID: txID,
		ErrorNumber:         number,
		ErrorMessage:        err.Error(),
	})
}

// result writes value or the error envelope.
func result(c echo.Context, value any, err error) error {
	if err != nil {
		return respondError(c, err)
	}
	return respond(c, value)
}
