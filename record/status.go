package record

// Response is implemented by every record returned with a success flag.
type Response interface {
	Status() (success bool, errText string)
}

func (r *Client) Status() (bool, string)              { return r.Success, r.Error }
func (r *SigninResponse) Status() (bool, string)      { return r.Success, r.Error }
func (r *ResultsResponse) Status() (bool, string)     { return r.Success, r.Error }
func (r *ResultResponse) Status() (bool, string)      { return r.Success, r.Error }
func (r *StatusResponse) Status() (bool, string)      { return r.Success, r.Error }
func (r *BareResponse) Status() (bool, string)        { return r.Success, r.Error }
func (r *CountResponse) Status() (bool, string)       { return r.Success, r.Error }
func (r *DistinctResponse) Status() (bool, string)    { return r.Success, r.Error }
func (r *DeleteResponse) Status() (bool, string)      { return r.Success, r.Error }
func (r *DownloadResponse) Status() (bool, string)    { return r.Success, r.Error }
func (r *UploadResponse) Status() (bool, string)      { return r.Success, r.Error }
func (r *WatchResponse) Status() (bool, string)       { return r.Success, r.Error }
func (r *QueueResponse) Status() (bool, string)       { return r.Success, r.Error }
func (r *WorkitemResponse) Status() (bool, string)    { return r.Success, r.Error }
func (r *ClientEventResponse) Status() (bool, string) { return r.Success, r.Error }
