package ledger

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/danmuck/roundctl/internal/round"
)

const defaultQueryCount = 10

// RegisterRoutes mounts the ledger API on r.
func RegisterRoutes(r gin.IRouter, l *Ledger) {
	r.POST("/epochs/advance", func(c *gin.Context) {
		e, err := l.AdvanceEpoch()
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, AdvanceResponse{EpochID: e.ID, FirstEventOffset: e.FirstEventOffset})
	})

	r.GET("/epochs/current", func(c *gin.Context) {
		c.JSON(http.StatusOK, l.RoundInfo())
	})

	r.GET("/epochs/current/status", func(c *gin.Context) {
		info := l.RoundInfo()
		c.JSON(http.StatusOK, StatusResponse{EpochID: info.ID, Status: info.Status})
	})

	r.GET("/epochs/:id/events", func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid epoch id"})
			return
		}
		from, count, ok := rangeParams(c)
		if !ok {
			return
		}
		start, events, err := l.queryEpochEvents(uint32(id), from, count)
		if err != nil {
			fail(c, err)
			return
		}
		writeEvents(c, start, events)
	})

	r.POST("/tasks", func(c *gin.Context) {
		var req PublishRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "invalid_task"})
			return
		}
		id, err := l.PublishTask(req.EpochID, req.Owner, req.Task)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusCreated, PublishResponse{TaskID: id})
	})

	r.GET("/tasks/count", func(c *gin.Context) {
		c.JSON(http.StatusOK, CountResponse{Count: uint64(l.CountTasks())})
	})

	r.GET("/tasks/:epoch/:seq", func(c *gin.Context) {
		id, err := round.ParseTaskID(c.Param("epoch") + "/" + c.Param("seq"))
		if err != nil {
			fail(c, err)
			return
		}
		rec, err := l.Task(id)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, rec)
	})

	r.GET("/events", func(c *gin.Context) {
		from, count, ok := rangeParams(c)
		if !ok {
			return
		}
		writeEvents(c, from, l.QueryEvents(from, count))
	})

	r.GET("/events/count", func(c *gin.Context) {
		c.JSON(http.StatusOK, CountResponse{Count: l.CountEvents()})
	})

	r.GET("/events/bounds", func(c *gin.Context) {
		first, total := l.EventBounds()
		c.JSON(http.StatusOK, BoundsResponse{First: first, Total: total})
	})

	r.PUT("/profiles/:principal/:field", func(c *gin.Context) {
		var req ProfileFieldRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "invalid_profile"})
			return
		}
		if err := l.SetProfileField(c.Param("principal"), c.Param("field"), req.Value); err != nil {
			fail(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	r.GET("/profiles/:principal", func(c *gin.Context) {
		principal := c.Param("principal")
		c.JSON(http.StatusOK, ProfileResponse{Principal: principal, Fields: l.Profile(principal)})
	})
}

func rangeParams(c *gin.Context) (from, count uint64, ok bool) {
	from, err := strconv.ParseUint(c.DefaultQuery("from", "0"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid from"})
		return 0, 0, false
	}
	count, err = strconv.ParseUint(c.DefaultQuery("count", strconv.Itoa(defaultQueryCount)), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid count"})
		return 0, 0, false
	}
	return from, count, true
}

// writeEvents reports first as a global event id: the id of the first event,
// or start when nothing is resident in the range.
func writeEvents(c *gin.Context, start uint64, events []round.Event) {
	first := start
	if len(events) > 0 {
		first = events[0].ID
	}
	c.JSON(http.StatusOK, gin.H{"first": first, "events": events})
}

func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrEpochNotYetClosed), errors.Is(err, ErrEpochClosed), errors.Is(err, ErrStaleEpoch):
		status = http.StatusConflict
	case errors.Is(err, ErrInvalidTask), errors.Is(err, ErrInvalidProfile), errors.Is(err, ErrEncode),
		errors.Is(err, round.ErrInvalidTaskID):
		status = http.StatusBadRequest
	case errors.Is(err, ErrUnknownEpoch), errors.Is(err, ErrUnknownTask):
		status = http.StatusNotFound
	}
	c.JSON(status, ErrorResponse{Error: err.Error(), Code: codeFor(err)})
}
