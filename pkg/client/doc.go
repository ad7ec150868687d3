/*
Package client provides a Go client library for the Berth gRPC API.

The client wraps every API method with a typed call. Requests carry the
caller identity as x-berth-owner and x-berth-admin metadata, and failures
come back as *types.Error with the kind the server reported, so callers
branch with errors.Is exactly as they would in-process:

	c, err := client.NewClient("localhost:7070", types.Caller{Owner: "alice"})
	if err != nil {
		return err
	}
	defer c.Close()

	rec, warnings, err := c.CreateContainer(ctx, types.ContainerSpec{
		Name:  "web",
		Image: "nginx:1.27",
		Start: true,
	})
	if errors.Is(err, types.ErrQuotaExceeded) {
		// over quota
	}

Calls without a deadline are bounded by DefaultTimeout.
*/
package client
