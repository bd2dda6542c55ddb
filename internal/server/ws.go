package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/sqlit/sqlit/internal/dberr"
	"github.com/sqlit/sqlit/internal/types"
)

const wsWriteWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The API is permissionless; access control happens per statement.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsRequest is one statement over the socket. ID correlates the reply.
type wsRequest struct {
	ID string `json:"id,omitempty"`
	types.ExecuteRequest
}

// wsResponse answers one wsRequest.
type wsResponse struct {
	ID     string                 `json:"id,omitempty"`
	Result *types.ExecuteResponse `json:"result,omitempty"`
	Error  *errorDetail           `json:"error,omitempty"`
}

// handleWebSocket runs a persistent query channel against one database.
// Statements on a single socket execute sequentially in arrival order.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	databaseID := r.PathValue("id")
	instance, err := s.rt.Manager().Get(r.Context(), databaseID)
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithFields(log.Fields{"err": err}).Debug("server: websocket upgrade failed")
		return
	}
	defer conn.Close()

	for {
		var req wsRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithFields(log.Fields{"database": databaseID, "err": err}).Debug("server: websocket read")
			}
			return
		}
		req.DatabaseID = databaseID

		start := time.Now()
		result, execErr := instance.Execute(r.Context(), &req.ExecuteRequest)
		elapsed := time.Since(start)

		s.rt.CountQuery()
		if s.metrics != nil {
			readOnly := result != nil && result.ReadOnly
			s.metrics.RecordQuery(r.Context(), databaseID, readOnly, elapsed, execErr)
		}

		resp := wsResponse{ID: req.ID, Result: result}
		if execErr != nil {
			resp.Result = nil
			var derr *dberr.Error
			if !errors.As(execErr, &derr) {
				derr = dberr.Storage(execErr, "internal error")
			}
			resp.Error = &errorDetail{
				Code:    string(derr.Code),
				Message: derr.Message,
				Details: derr.Details,
			}
		}

		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(resp); err != nil {
			log.WithFields(log.Fields{"database": databaseID, "err": err}).Debug("server: websocket write")
			return
		}
	}
}
