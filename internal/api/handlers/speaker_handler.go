package handlers

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/verbumlabs/verbum/internal/services"
	"github.com/verbumlabs/verbum/internal/utils"
)

type SpeakerHandler struct {
	svc services.SpeakerService
}

func NewSpeakerHandler(svc services.SpeakerService) *SpeakerHandler {
	return &SpeakerHandler{svc: svc}
}

func (h *SpeakerHandler) List(c *gin.Context) {
	speakers, err := h.svc.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"speakers": speakers})
}

func (h *SpeakerHandler) Get(c *gin.Context) {
	speaker, err := h.svc.Get(c.Request.Context(), c.Param("speaker_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, speaker)
}

// Enroll registers a voice profile from a multipart form: "name" (required),
// "aliases" (comma separated, optional) and "file" (a WAV sample).
func (h *SpeakerHandler) Enroll(c *gin.Context) {
	const op = "SpeakerHandler.Enroll"

	name := strings.TrimSpace(c.PostForm("name"))
	if name == "" {
		writeError(c, utils.E(utils.CodeInvalidArgument, op, "name field is required", nil))
		return
	}

	var aliases []string
	if raw := c.PostForm("aliases"); raw != "" {
		for _, a := range strings.Split(raw, ",") {
			if a = strings.TrimSpace(a); a != "" {
				aliases = append(aliases, a)
			}
		}
	}

	file, _, err := c.Request.FormFile("file")
	if err != nil {
		writeError(c, utils.E(utils.CodeInvalidArgument, op, "file field is required", err))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
	if err != nil {
		writeError(c, utils.E(utils.CodeInternal, op, "failed to read upload", err))
		return
	}
	if len(data) > maxUploadBytes {
		writeError(c, utils.E(utils.CodeInvalidArgument, op, "file too large", nil))
		return
	}

	speaker, err := h.svc.Enroll(c.Request.Context(), name, aliases, data)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, speaker)
}

func (h *SpeakerHandler) Delete(c *gin.Context) {
	if err := h.svc.Delete(c.Request.Context(), c.Param("speaker_id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
