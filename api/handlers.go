package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"bridge.linelead.io/common"
	"bridge.linelead.io/model"
	"bridge.linelead.io/reliability"
)

// uploadResponse is returned on accepted uploads.
type uploadResponse struct {
	ProcessID       string `json:"process_id"`
	Filename        string `json:"filename"`
	Pages           int    `json:"pages"`
	StatusStreamURL string `json:"status_stream_url"`
	SnapshotURL     string `json:"snapshot_url"`
	ResultURL       string `json:"result_url"`
}

type errorResponse struct {
	Error      string `json:"error"`
	Kind       string `json:"kind,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// handleUpload accepts a multipart PDF, runs inline validation through the
// pipeline and returns 202 with the process handle.
func (h *Handlers) handleUpload(c echo.Context) error {
	role := c.Request().Header.Get("X-User-Role")
	if role == "" {
		role = "standard"
	}
	if h.Gate != nil {
		if err := h.Gate.AllowUploadFrom(role); err != nil {
			return writeError(c, err)
		}
	}

	file, err := c.FormFile("file")
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "multipart field 'file' is required", Kind: string(common.KindInvalidInput)})
	}
	if ct := file.Header.Get("Content-Type"); ct != "" && ct != "application/pdf" {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "content type must be application/pdf", Kind: string(common.KindInvalidInput)})
	}

	src, err := file.Open()
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "unreadable upload", Kind: string(common.KindInvalidInput)})
	}
	defer src.Close()

	proc, err := h.Ingestor.Ingest(c.Request().Context(), file.Filename, src)
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusAccepted, uploadResponse{
		ProcessID:       proc.ProcessID,
		Filename:        proc.Filename,
		Pages:           proc.PageCount,
		StatusStreamURL: "/progress/" + proc.ProcessID,
		SnapshotURL:     "/status/" + proc.ProcessID,
		ResultURL:       "/result/" + proc.ProcessID,
	})
}

// handleStatus returns the latest progress snapshot.
func (h *Handlers) handleStatus(c echo.Context) error {
	processID := c.Param("id")
	if snapshot, ok := h.Bus.Snapshot(processID); ok {
		return c.JSON(http.StatusOK, snapshot)
	}
	if proc, ok := h.Store.Get(processID); ok {
		// Known process with no published updates yet.
		return c.JSON(http.StatusOK, model.ProgressUpdate{
			ProcessID: processID,
			Stage:     proc.CurrentStage,
		})
	}
	return c.JSON(http.StatusNotFound, errorResponse{Error: "unknown process"})
}

// resultResponse is the final outcome of a terminal process.
type resultResponse struct {
	ProcessID     string              `json:"process_id"`
	Filename      string              `json:"filename"`
	TerminalState model.TerminalState `json:"terminal_state"`
	Counters      model.Counters      `json:"counters"`
	StageHistory  []model.StageRecord `json:"stage_history"`
	Error         string              `json:"error,omitempty"`
	ErrorKind     string              `json:"error_kind,omitempty"`
}

// handleResult returns the terminal outcome; 409 while still running.
func (h *Handlers) handleResult(c echo.Context) error {
	proc, ok := h.Store.Get(c.Param("id"))
	if !ok {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "unknown process"})
	}
	if proc.TerminalState == model.ProcessRunning {
		return c.JSON(http.StatusConflict, errorResponse{Error: "still running"})
	}
	return c.JSON(http.StatusOK, resultResponse{
		ProcessID:     proc.ProcessID,
		Filename:      proc.Filename,
		TerminalState: proc.TerminalState,
		Counters:      proc.Counters,
		StageHistory:  proc.StageHistory,
		Error:         proc.ErrorMessage,
		ErrorKind:     proc.ErrorKind,
	})
}

var upgrader = websocket.Upgrader{
	// The CORS middleware already constrains browser origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleProgressWS streams progress updates until the terminal update, then
// closes.
func (h *Handlers) handleProgressWS(c echo.Context) error {
	processID := c.Param("id")
	if _, known := h.Store.Get(processID); !known {
		if _, published := h.Bus.Snapshot(processID); !published {
			return c.JSON(http.StatusNotFound, errorResponse{Error: "unknown process"})
		}
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	sub := h.Bus.Subscribe(processID)
	defer sub.Close()

	for update := range sub.C {
		if err := conn.WriteJSON(update); err != nil {
			return nil // client went away
		}
		if update.Terminal {
			break
		}
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "terminal"),
		time.Now().Add(time.Second))
	return nil
}

// handleHealth returns the monitoring dashboard rollup.
func (h *Handlers) handleHealth(c echo.Context) error {
	dashboard := h.Health.Dashboard()
	status := http.StatusOK
	if dashboard.Overall == "critical" {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, dashboard)
}

// documentSummary is the admin view of one stored document.
type documentSummary struct {
	ProcessID     string              `json:"process_id"`
	Filename      string              `json:"filename"`
	ByteSize      int64               `json:"byte_size"`
	PageCount     int                 `json:"page_count"`
	CreatedAt     time.Time           `json:"created_at"`
	TerminalState model.TerminalState `json:"terminal_state"`
	Counters      model.Counters      `json:"counters"`
}

func (h *Handlers) handleListDocuments(c echo.Context) error {
	processes := h.Store.List()
	out := make([]documentSummary, 0, len(processes))
	for _, p := range processes {
		out = append(out, summarize(p))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"documents": out, "total": len(out)})
}

func (h *Handlers) handleGetDocument(c echo.Context) error {
	proc, ok := h.Store.Get(c.Param("id"))
	if !ok {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "unknown document"})
	}
	return c.JSON(http.StatusOK, proc)
}

func (h *Handlers) handleDeleteDocument(c echo.Context) error {
	proc, ok := h.Store.Get(c.Param("id"))
	if !ok {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "unknown document"})
	}
	if proc.TerminalState == model.ProcessRunning {
		return c.JSON(http.StatusConflict, errorResponse{Error: "process is still running"})
	}
	h.Store.Delete(proc.ProcessID)
	h.Bus.Forget(proc.ProcessID)
	return c.NoContent(http.StatusNoContent)
}

// handleDLQ lists dead-lettered operations, optionally filtered by
// classification.
func (h *Handlers) handleDLQ(c echo.Context) error {
	if h.DLQ == nil {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "dead-letter queue not configured"})
	}
	class := reliability.Classification(c.QueryParam("classification"))
	return c.JSON(http.StatusOK, map[string]interface{}{"records": h.DLQ.Pending(class)})
}

func (h *Handlers) handleDLQResolve(c echo.Context) error {
	if h.DLQ == nil {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "dead-letter queue not configured"})
	}
	if err := h.DLQ.Resolve(c.Param("id")); err != nil {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "unknown record"})
	}
	return c.NoContent(http.StatusNoContent)
}

func summarize(p model.Process) documentSummary {
	return documentSummary{
		ProcessID:     p.ProcessID,
		Filename:      p.Filename,
		ByteSize:      p.ByteSize,
		PageCount:     p.PageCount,
		CreatedAt:     p.CreatedAt,
		TerminalState: p.TerminalState,
		Counters:      p.Counters,
	}
}

// writeError maps typed errors onto HTTP statuses, exposing only sanitized
// messages.
func writeError(c echo.Context, err error) error {
	kind := common.Kind(err)
	switch kind {
	case common.KindInvalidInput:
		return c.JSON(http.StatusBadRequest, errorResponse{Error: common.UserMessage(err), Kind: string(kind)})
	case common.KindBusyRetryLater, common.KindLocalQueueFull:
		return c.JSON(http.StatusServiceUnavailable, errorResponse{
			Error:      common.UserMessage(err),
			Kind:       string(kind),
			RetryAfter: 30,
		})
	case common.KindPermissionDenied:
		return c.JSON(http.StatusForbidden, errorResponse{Error: common.UserMessage(err), Kind: string(kind)})
	}
	return c.JSON(http.StatusInternalServerError, errorResponse{Error: common.UserMessage(err), Kind: string(common.KindInternal)})
}
