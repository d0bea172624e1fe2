package server

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"cdp-go/internal/cdp"
)

const hashArrayRoute = "Hash_Array.json"

type hashListBody struct {
	HashList cdp.HashList `json:"hash_list"`
}

type dataArrayBody struct {
	DataArray []cdp.ChunkDescriptor `json:"data_array"`
}

type fileListBody struct {
	FileList []cdp.HostFileRecord `json:"file_list"`
}

type statsBody struct {
	Requests requestSnapshot `json:"requests"`
	cdp.StatsSnapshot
}

// fail answers a protocol error: status 200 and a single-key JSON object.
func fail(c *gin.Context, key string, value any) {
	c.JSON(http.StatusOK, gin.H{key: value})
}

// failInternal answers a backend failure and attaches it for the request
// log.
func failInternal(c *gin.Context, err error) {
	_ = c.Error(err)
	fail(c, "Error", err.Error())
}

func (s *Server) handleVersion(c *gin.Context) {
	c.String(http.StatusOK, s.info.Text())
}

func (s *Server) handleVersionJSON(c *gin.Context) {
	c.JSON(http.StatusOK, s.info)
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, statsBody{
		Requests:      s.requests.snapshot(),
		StatsSnapshot: s.service.Stats(),
	})
}

func (s *Server) handleUnknown(c *gin.Context) {
	fail(c, "Invalid url", c.Request.URL.Path)
}

// handleList answers GET /File/List.json. hostname, uid, gid, owner and
// group are plain; filename, date, afterdate and beforedate are base64.
func (s *Server) handleList(c *gin.Context) {
	q, err := parseListQuery(c)
	if err != nil {
		fail(c, "Malformed request", err.Error())
		return
	}

	records, err := s.service.List(c.Request.Context(), q)
	if err != nil {
		if errors.Is(err, cdp.ErrMalformedQuery) {
			fail(c, "Malformed request", err.Error())
			return
		}
		failInternal(c, err)
		return
	}
	if records == nil {
		records = []cdp.HostFileRecord{}
	}
	c.JSON(http.StatusOK, fileListBody{FileList: records})
}

func parseListQuery(c *gin.Context) (cdp.Query, error) {
	hostname, uid, gid := c.Query("hostname"), c.Query("uid"), c.Query("gid")
	owner, group := c.Query("owner"), c.Query("group")

	malformed := func() error {
		return fmt.Errorf("hostname: %s, uid: %s, gid: %s, owner: %s, group: %s", hostname, uid, gid, owner, group)
	}
	if hostname == "" || uid == "" || gid == "" || owner == "" || group == "" {
		return cdp.Query{}, malformed()
	}
	uidN, err := strconv.ParseUint(uid, 10, 32)
	if err != nil {
		return cdp.Query{}, malformed()
	}
	gidN, err := strconv.ParseUint(gid, 10, 32)
	if err != nil {
		return cdp.Query{}, malformed()
	}

	q := cdp.Query{
		Hostname: hostname,
		UID:      uint32(uidN),
		GID:      uint32(gidN),
		Owner:    owner,
		Group:    group,
	}
	for _, f := range []struct {
		key string
		dst *string
	}{
		{"filename", &q.FilenamePattern},
		{"date", &q.Date},
		{"afterdate", &q.AfterDate},
		{"beforedate", &q.BeforeDate},
	} {
		raw := c.Query(f.key)
		if raw == "" {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return cdp.Query{}, fmt.Errorf("%s is not base64: %v", f.key, err)
		}
		*f.dst = string(decoded)
	}
	return q, nil
}

// handleData answers GET /Data/<hex> and the batched GET
// /Data/Hash_Array.json.
func (s *Server) handleData(c *gin.Context) {
	param := c.Param("hash")
	if param == hashArrayRoute {
		s.handleDataArrayGet(c)
		return
	}

	path := c.Request.URL.Path
	hash, err := cdp.ParseHex(param)
	if err != nil {
		var lenErr *cdp.HashLengthError
		if errors.As(err, &lenErr) {
			c.JSON(http.StatusOK, gin.H{
				"Invalid url: in " + path + " hash has length": lenErr.Got,
				"expected": cdp.HexHashLen,
			})
			return
		}
		fail(c, "Invalid url", path)
		return
	}

	desc, err := s.service.Chunk(c.Request.Context(), hash)
	if err != nil {
		if errors.Is(err, cdp.ErrChunkNotFound) {
			fail(c, "Chunk not found", hash.String())
			return
		}
		failInternal(c, err)
		return
	}
	c.JSON(http.StatusOK, desc)
}

func (s *Server) handleDataArrayGet(c *gin.Context) {
	header := strings.TrimSpace(c.GetHeader(HashArrayHeader))
	if header == "" {
		fail(c, "Malformed request", "missing "+HashArrayHeader+" header")
		return
	}

	fields := strings.Split(header, ",")
	if len(fields) > cdp.MaxFetchBatch {
		fail(c, "Malformed request", fmt.Sprintf("%d hashes requested, at most %d allowed", len(fields), cdp.MaxFetchBatch))
		return
	}

	hashes := make([]cdp.Hash, 0, len(fields))
	for _, field := range fields {
		h, err := cdp.ParseBase64(strings.TrimSpace(field))
		if err != nil {
			fail(c, "Malformed request", err.Error())
			return
		}
		hashes = append(hashes, h)
	}

	descs, err := s.service.Chunks(c.Request.Context(), hashes)
	if err != nil {
		var missing *cdp.MissingChunkError
		if errors.As(err, &missing) {
			fail(c, "Chunk not found", missing.Hash.String())
			return
		}
		failInternal(c, err)
		return
	}
	c.JSON(http.StatusOK, dataArrayBody{DataArray: descs})
}

// handleMeta answers an announce with the hashes the client must send.
func (s *Server) handleMeta(c *gin.Context) {
	var rec cdp.HostFileRecord
	if err := c.ShouldBindJSON(&rec); err != nil {
		fail(c, "Malformed json", err.Error())
		return
	}

	needed, err := s.service.Announce(c.Request.Context(), rec)
	if err != nil {
		if errors.Is(err, cdp.ErrInvalidRecord) {
			fail(c, "Invalid record", err.Error())
			return
		}
		failInternal(c, err)
		return
	}
	c.JSON(http.StatusOK, hashListBody{HashList: needed})
}

func (s *Server) handleHashArray(c *gin.Context) {
	var body hashListBody
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, "Malformed json", err.Error())
		return
	}

	needed, err := s.service.Needed(c.Request.Context(), body.HashList)
	if err != nil {
		failInternal(c, err)
		return
	}
	c.JSON(http.StatusOK, hashListBody{HashList: needed})
}

func (s *Server) handleDataPost(c *gin.Context) {
	var desc cdp.ChunkDescriptor
	if err := c.ShouldBindJSON(&desc); err != nil {
		fail(c, "Malformed json", err.Error())
		return
	}
	s.receive(c, []cdp.ChunkDescriptor{desc})
}

func (s *Server) handleDataArrayPost(c *gin.Context) {
	var body dataArrayBody
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, "Malformed json", err.Error())
		return
	}
	s.receive(c, body.DataArray)
}

// receive queues validated chunks and answers "Ok!" before they are
// persisted.
func (s *Server) receive(c *gin.Context, descs []cdp.ChunkDescriptor) {
	if err := s.service.ReceiveChunks(c.Request.Context(), descs); err != nil {
		if errors.Is(err, cdp.ErrInvalidChunk) {
			fail(c, "Invalid chunk", err.Error())
			return
		}
		failInternal(c, err)
		return
	}
	c.String(http.StatusOK, "Ok!")
}
