package handler

type UploadResponse struct {
	VideoFID string `json:"video_fid"`
}
