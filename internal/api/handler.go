package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"gopherex.com/booksync/internal/book"
	"gopherex.com/booksync/internal/booksync"
	"gopherex.com/booksync/pkg/common"
)

const (
	defaultDepth = 10
	maxDepth     = 1000
)

// bookReader BookStore 的只读扩展，*book.LevelBook 满足
type bookReader interface {
	Depth(n int) (bids, asks []book.Level)
	BestBid() (decimal.Decimal, bool)
	BestAsk() (decimal.Decimal, bool)
	Len() int
}

type BookView struct {
	ProductID string       `json:"product_id"`
	Sequence  int64        `json:"sequence"`
	Orders    int          `json:"orders"`
	BestBid   *string      `json:"best_bid"`
	BestAsk   *string      `json:"best_ask"`
	Bids      []book.Level `json:"bids"`
	Asks      []book.Level `json:"asks"`
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// readyz 首个快照加载完且当前已同步才算 ready
func (s *Server) readyz(c *gin.Context) {
	st := s.engine.Status()
	if st.State != booksync.Synced.String() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": st.State, "sequence": st.Sequence})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": st.State, "sequence": st.Sequence})
}

func (s *Server) status(c *gin.Context) {
	common.Success(c, s.engine.Status())
}

func (s *Server) book(c *gin.Context) {
	depth := defaultDepth
	if v := c.Query("depth"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxDepth {
			common.Fail(c, http.StatusBadRequest, common.CodeBadRequest, "depth must be 1-1000")
			return
		}
		depth = n
	}

	var (
		view   BookView
		synced bool
		ok     bool
	)
	err := s.engine.View(c.Request.Context(), func(store booksync.BookStore) {
		st := s.engine.Status()
		if synced = st.State == booksync.Synced.String(); !synced {
			return
		}
		r, isReader := store.(bookReader)
		if ok = isReader; !ok {
			return
		}
		view = BookView{ProductID: st.ProductID, Sequence: st.Sequence, Orders: r.Len()}
		view.Bids, view.Asks = r.Depth(depth)
		if p, ok := r.BestBid(); ok {
			v := p.String()
			view.BestBid = &v
		}
		if p, ok := r.BestAsk(); ok {
			v := p.String()
			view.BestAsk = &v
		}
	})
	if err != nil {
		common.FailErr(c, err)
		return
	}
	if !synced {
		common.Fail(c, http.StatusServiceUnavailable, common.CodeUnavailable, "book not synced")
		return
	}
	if !ok {
		common.Fail(c, http.StatusNotImplemented, common.CodeInternal, "book store does not support depth queries")
		return
	}
	common.Success(c, view)
}
