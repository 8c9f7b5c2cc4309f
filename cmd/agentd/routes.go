package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/danmuck/roundctl/internal/actuator"
	"github.com/danmuck/roundctl/internal/agent"
	"github.com/danmuck/roundctl/internal/auth"
	"github.com/danmuck/roundctl/internal/blob"
	"github.com/danmuck/roundctl/internal/ledger"
	"github.com/danmuck/roundctl/internal/round"
	"github.com/danmuck/roundctl/internal/server"
	"github.com/danmuck/roundctl/internal/store"
)

type taskView struct {
	round.TaskRecord
	Decoded any    `json:"decoded,omitempty"`
	Error   string `json:"decode_error,omitempty"`
}

// pathRequest names a file on the agent's host.
type pathRequest struct {
	Path string `json:"path"`
}

type endpointRequest struct {
	Endpoint string `json:"endpoint"`
}

func view(a *agent.Agent, rec round.TaskRecord) taskView {
	v := taskView{TaskRecord: rec}
	decoded, err := a.DecodeConfig(rec)
	if err != nil {
		v.Error = err.Error()
	} else {
		v.Decoded = decoded
	}
	return v
}

// registerAdminRoutes installs the operator API. When guard is non-nil the
// mutating routes require a bearer token it accepts.
func registerAdminRoutes(r gin.IRouter, a *agent.Agent, guard auth.Validator) {
	writes := r
	if guard != nil {
		writes = r.Group("", auth.Middleware(guard))
	}

	r.GET("/tasks", func(c *gin.Context) {
		recs, err := a.Tasks(c.Request.Context())
		if err != nil {
			fail(c, err)
			return
		}
		out := make([]taskView, 0, len(recs))
		for _, rec := range recs {
			out = append(out, view(a, rec))
		}
		c.JSON(http.StatusOK, gin.H{"tasks": out})
	})

	r.GET("/tasks/:epoch/:seq", func(c *gin.Context) {
		id, err := taskID(c)
		if err != nil {
			fail(c, err)
			return
		}
		rec, err := a.Task(c.Request.Context(), id)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, view(a, rec))
	})

	// Progress is streamed as one JSON object per line until the run ends or
	// the client goes away.
	writes.POST("/tasks/:epoch/:seq/dispatch", func(c *gin.Context) {
		id, err := taskID(c)
		if err != nil {
			fail(c, err)
			return
		}
		ch, err := a.DispatchTask(c.Request.Context(), id)
		if err != nil {
			fail(c, err)
			return
		}
		c.Header("Content-Type", "application/x-ndjson")
		c.Status(http.StatusOK)
		enc := json.NewEncoder(c.Writer)
		for p := range ch {
			if err := enc.Encode(p); err != nil {
				return
			}
			c.Writer.Flush()
		}
	})

	writes.POST("/tasks/publish", func(c *gin.Context) {
		path, ok := bindPath(c)
		if !ok {
			return
		}
		id, err := a.PublishTask(c.Request.Context(), path)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"task_id": id})
	})

	r.GET("/events", func(c *gin.Context) {
		from, err1 := strconv.ParseUint(c.DefaultQuery("from", "0"), 10, 64)
		count, err2 := strconv.ParseUint(c.DefaultQuery("count", "10"), 10, 64)
		if err := errors.Join(err1, err2); err != nil {
			server.Fail(c, http.StatusBadRequest, err)
			return
		}
		events, err := a.QueryEvents(c.Request.Context(), from, count)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"events": events})
	})

	r.GET("/events/count", func(c *gin.Context) {
		n, err := a.CountEvents(c.Request.Context())
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, ledger.CountResponse{Count: n})
	})

	r.GET("/epochs/current", func(c *gin.Context) {
		status, err := a.RoundStatus(c.Request.Context())
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, status)
	})

	writes.POST("/epochs/advance", func(c *gin.Context) {
		resp, err := a.AdvanceEpoch(c.Request.Context())
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	})

	r.GET("/profiles/:principal", func(c *gin.Context) {
		fields, err := a.Profile(c.Request.Context(), c.Param("principal"))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, ledger.ProfileResponse{Principal: c.Param("principal"), Fields: fields})
	})

	r.GET("/profiles/:principal/endpoint", func(c *gin.Context) {
		endpoint, err := a.Endpoint(c.Request.Context(), c.Param("principal"))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"principal": c.Param("principal"), "endpoint": endpoint})
	})

	writes.PUT("/profile/endpoint", func(c *gin.Context) {
		var req endpointRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			server.Fail(c, http.StatusBadRequest, err)
			return
		}
		if err := a.SetEndpoint(c.Request.Context(), req.Endpoint); err != nil {
			fail(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	registerBlobRoutes(r, writes, a)
}

func registerBlobRoutes(r, writes gin.IRouter, a *agent.Agent) {
	writes.POST("/blobs", func(c *gin.Context) {
		path, ok := bindPath(c)
		if !ok {
			return
		}
		cid, err := a.AddFile(c.Request.Context(), path)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"cid": cid})
	})

	r.GET("/blobs/:cid", func(c *gin.Context) {
		data, err := a.CatFile(c.Request.Context(), c.Param("cid"))
		if err != nil {
			fail(c, err)
			return
		}
		c.Data(http.StatusOK, "application/octet-stream", data)
	})

	r.GET("/blobs/:cid/stat", func(c *gin.Context) {
		st, err := a.FileStatus(c.Request.Context(), c.Param("cid"))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, st)
	})

	// Download progress streams like dispatch progress; the last line has
	// done set.
	writes.POST("/blobs/:cid/get", func(c *gin.Context) {
		path, ok := bindPath(c)
		if !ok {
			return
		}
		ch, err := a.GetFile(c.Request.Context(), c.Param("cid"), path)
		if err != nil {
			fail(c, err)
			return
		}
		c.Header("Content-Type", "application/x-ndjson")
		c.Status(http.StatusOK)
		enc := json.NewEncoder(c.Writer)
		for p := range ch {
			if err := enc.Encode(p); err != nil {
				return
			}
			c.Writer.Flush()
		}
	})
}

func bindPath(c *gin.Context) (string, bool) {
	var req pathRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Path == "" {
		server.Fail(c, http.StatusBadRequest, errors.New("path is required"))
		return "", false
	}
	return req.Path, true
}

func taskID(c *gin.Context) (round.TaskID, error) {
	return round.ParseTaskID(c.Param("epoch") + "/" + c.Param("seq"))
}

func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ledger.ErrUnknownTask), errors.Is(err, store.ErrTaskNotFound), errors.Is(err, agent.ErrNoEndpoint):
		status = http.StatusNotFound
	case errors.Is(err, round.ErrInvalidTaskID), errors.Is(err, actuator.ErrUnknownType),
		errors.Is(err, agent.ErrInvalidTaskFile), errors.Is(err, ledger.ErrInvalidTask), errors.Is(err, ledger.ErrEncode),
		errors.Is(err, ledger.ErrInvalidProfile), errors.Is(err, agent.ErrBadEndpoint), errors.Is(err, blob.ErrEmptyCID):
		status = http.StatusBadRequest
	case errors.Is(err, ledger.ErrEpochNotYetClosed), errors.Is(err, ledger.ErrEpochClosed),
		errors.Is(err, ledger.ErrStaleEpoch), errors.Is(err, agent.ErrNoOwner):
		status = http.StatusConflict
	case errors.Is(err, blob.ErrTooLarge):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, ledger.ErrRemote), errors.Is(err, blob.ErrRemote):
		status = http.StatusBadGateway
	case errors.Is(err, agent.ErrNoBlobStore):
		status = http.StatusServiceUnavailable
	}
	server.Fail(c, status, err)
}
