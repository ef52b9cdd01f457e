package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"Bandmate/core/format"
	"Bandmate/logger"

	"github.com/gorilla/mux"
)

// GetTracksHandler 返回当前用户的全部曲目
func (h *APIHandler) GetTracksHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := GetUserIDFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	tracks, err := h.trackRepo.GetAllTracksByUserID(r.Context(), userID)
	if err != nil {
		logger.Error("查询曲目列表失败", logger.Int64("userId", userID), logger.ErrorField(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, tracks)
}

// GetTrackHandler 返回单个曲目
func (h *APIHandler) GetTrackHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := GetUserIDFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, "Invalid track ID", http.StatusBadRequest)
		return
	}

	track, err := h.trackRepo.GetTrackByID(r.Context(), id)
	if err != nil {
		logger.Error("查询曲目失败", logger.Int64("trackId", id), logger.ErrorField(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if track == nil || (track.UserID != userID && !track.IsPublic) {
		http.Error(w, "Track not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, track)
}

// DeleteTrackHandler 删除用户自己的曲目
func (h *APIHandler) DeleteTrackHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := GetUserIDFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, "Invalid track ID", http.StatusBadRequest)
		return
	}

	track, err := h.trackRepo.GetTrackByID(r.Context(), id)
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if track == nil || track.UserID != userID {
		http.Error(w, "Track not found", http.StatusNotFound)
		return
	}

	if err := h.trackRepo.DeleteTrack(r.Context(), id); err != nil {
		logger.Error("删除曲目失败", logger.Int64("trackId", id), logger.ErrorField(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetQualityPreferenceHandler 读取用户音质偏好，缓存优先
func (h *APIHandler) GetQualityPreferenceHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := GetUserIDFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	quality, err := h.prefCache.GetQuality(r.Context(), userID)
	if err != nil {
		logger.Warn("偏好缓存读取失败，回退数据库", logger.ErrorField(err))
	}
	if quality == "" {
		quality, err = h.userRepo.GetQualityPreference(userID)
		if err != nil {
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		if quality == "" {
			quality = h.cfg.DefaultQuality
		}
		if err := h.prefCache.SetQuality(r.Context(), userID, quality); err != nil {
			logger.Debug("偏好缓存写入失败", logger.ErrorField(err))
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"quality": string(format.ParseQuality(quality))})
}

// SetQualityPreferenceHandler 更新用户音质偏好
func (h *APIHandler) SetQualityPreferenceHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := GetUserIDFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		Quality string `json:"quality"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	quality := format.ParseQuality(req.Quality)
	if string(quality) != req.Quality {
		http.Error(w, "Unsupported quality, expected mp3-320 or aac-320", http.StatusBadRequest)
		return
	}

	if err := h.userRepo.SetQualityPreference(userID, string(quality)); err != nil {
		logger.Error("更新音质偏好失败", logger.Int64("userId", userID), logger.ErrorField(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if err := h.prefCache.InvalidateQuality(r.Context(), userID); err != nil {
		logger.Debug("偏好缓存失效失败", logger.ErrorField(err))
	}

	writeJSON(w, http.StatusOK, map[string]string{"quality": string(quality)})
}
