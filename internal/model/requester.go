package model

// Requester is the authenticated caller of a media operation.
type Requester struct {
	UserID int64  `json:"user_id"`
	Role   string `json:"role"`
}

// CropRegion is a rectangle in original-image pixel coordinates.
type CropRegion struct {
	X      int `json:"x" binding:"min=0"`
	Y      int `json:"y" binding:"min=0"`
	Width  int `json:"width" binding:"required,gt=0"`
	Height int `json:"height" binding:"required,gt=0"`
}
