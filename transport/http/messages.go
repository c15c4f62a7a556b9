package http

type createFileUploadRequest struct {
	BlobName string `json:"blobName"`
}

type notifyFileUploadRequest struct {
	CorrelationID     string `json:"correlationId"`
	IsSuccess         bool   `json:"isSuccess"`
	StatusCode        int    `json:"statusCode"`
	StatusDescription string `json:"statusDescription"`
}
