package bullmq

import "encoding/base64"

// ClientName is the connection name a queue scheduler registers with
// CLIENT SETNAME: "<prefix>:<base64(queue)>:qs".
func ClientName(prefix, queue string) string {
	return prefix + ":" + base64.StdEncoding.EncodeToString([]byte(queue)) + ":qs"
}
