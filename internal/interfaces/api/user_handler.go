package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/masjids-io/chatspot/internal/application/services"
	"github.com/masjids-io/chatspot/internal/domain"
	"go.uber.org/zap"
)

type UserHandler struct {
	users     *services.UserService
	maxUpload int64
	log       *zap.Logger
}

func (h *UserHandler) Me(c *gin.Context) {
	id, _ := identity(c)
	u, err := h.users.GetProfile(c.Request.Context(), id.UserID)
	if err != nil {
		abortWithError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

func (h *UserHandler) Get(c *gin.Context) {
	userID, ok := uuidParam(c, "userId")
	if !ok {
		return
	}
	u, err := h.users.GetProfile(c.Request.Context(), userID)
	if err != nil {
		abortWithError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

// UpdateMe takes a form with optional firstName and lastName fields and an
// optional "profilePicture" file part.
func (h *UserHandler) UpdateMe(c *gin.Context) {
	id, _ := identity(c)
	var upd services.ProfileUpdate
	if v, ok := c.GetPostForm("firstName"); ok {
		upd.FirstName = &v
	}
	if v, ok := c.GetPostForm("lastName"); ok {
		upd.LastName = &v
	}

	if fh, err := c.FormFile("profilePicture"); err == nil {
		if h.maxUpload > 0 && fh.Size > h.maxUpload {
			abortWithError(c, h.log, fmt.Errorf("profile picture exceeds %d bytes: %w", h.maxUpload, domain.ErrValidation))
			return
		}
		f, err := fh.Open()
		if err != nil {
			abortWithError(c, h.log, fmt.Errorf("open profile picture: %v: %w", err, domain.ErrValidation))
			return
		}
		defer f.Close()
		upd.Picture = &domain.Media{FileName: fh.Filename, ContentType: fh.Header.Get("Content-Type"), Size: fh.Size}
		upd.PictureBody = f
	} else if !errors.Is(err, http.ErrMissingFile) && !errors.Is(err, http.ErrNotMultipart) {
		badRequest(c, err)
		return
	}

	u, err := h.users.UpdateProfile(c.Request.Context(), id.UserID, upd)
	if err != nil {
		abortWithError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

// Picture serves a stored profile picture, or redirects to it when the
// picture is a link.
func (h *UserHandler) Picture(c *gin.Context) {
	userID, ok := uuidParam(c, "userId")
	if !ok {
		return
	}
	data, link, err := h.users.ProfilePicture(c.Request.Context(), userID)
	if err != nil {
		abortWithError(c, h.log, err)
		return
	}
	if link != "" {
		c.Redirect(http.StatusFound, link)
		return
	}
	c.Data(http.StatusOK, http.DetectContentType(data), data)
}
