// Package ec2 implements the machine-management API against AWS EC2.
// The managed machine is one instance; its tag set doubles as the
// lifecycle controller's durable state.
package ec2

import (
	"context"
	"errors"
	"fmt"
	"time"

	"boxd"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsec2 "github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/containerd/errdefs"
)

const callTimeout = 15 * time.Second

// API is the slice of the EC2 client the adapter uses. Satisfied by
// *ec2.Client.
type API interface {
	DescribeInstances(ctx context.Context, in *awsec2.DescribeInstancesInput, opts ...func(*awsec2.Options)) (*awsec2.DescribeInstancesOutput, error)
	StartInstances(ctx context.Context, in *awsec2.StartInstancesInput, opts ...func(*awsec2.Options)) (*awsec2.StartInstancesOutput, error)
	StopInstances(ctx context.Context, in *awsec2.StopInstancesInput, opts ...func(*awsec2.Options)) (*awsec2.StopInstancesOutput, error)
	CreateTags(ctx context.Context, in *awsec2.CreateTagsInput, opts ...func(*awsec2.Options)) (*awsec2.CreateTagsOutput, error)
}

// Client adapts EC2 to the controller's MachineAPI.
type Client struct {
	api API
}

// New creates a client with the default AWS credential chain.
func New(ctx context.Context, region string) (*Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &Client{api: awsec2.NewFromConfig(cfg)}, nil
}

// NewWithAPI wraps an existing EC2 client (tests, custom endpoints).
func NewWithAPI(api API) *Client {
	return &Client{api: api}
}

// Describe returns the instance's state, launch time, and tags. A
// missing instance surfaces as errdefs.ErrNotFound.
func (c *Client) Describe(ctx context.Context, id string) (boxd.Machine, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	out, err := c.api.DescribeInstances(ctx, &awsec2.DescribeInstancesInput{
		InstanceIds: []string{id},
	})
	if err != nil {
		if isNotFound(err) {
			return boxd.Machine{}, fmt.Errorf("instance %s: %w", id, errdefs.ErrNotFound)
		}
		return boxd.Machine{}, fmt.Errorf("describe instance %s: %w", id, err)
	}

	for _, reservation := range out.Reservations {
		for _, instance := range reservation.Instances {
			return fromInstance(instance), nil
		}
	}
	return boxd.Machine{}, fmt.Errorf("instance %s: %w", id, errdefs.ErrNotFound)
}

func (c *Client) Start(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	if _, err := c.api.StartInstances(ctx, &awsec2.StartInstancesInput{
		InstanceIds: []string{id},
	}); err != nil {
		return fmt.Errorf("start instance %s: %w", id, err)
	}
	return nil
}

func (c *Client) Stop(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	if _, err := c.api.StopInstances(ctx, &awsec2.StopInstancesInput{
		InstanceIds: []string{id},
	}); err != nil {
		return fmt.Errorf("stop instance %s: %w", id, err)
	}
	return nil
}

// MergeTags writes the given keys in one CreateTags call. CreateTags
// replaces values of existing keys and leaves other keys alone, which is
// exactly the merge the controller's tag contract needs.
func (c *Client) MergeTags(ctx context.Context, id string, tags map[string]string) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	ec2Tags := make([]ec2types.Tag, 0, len(tags))
	for key, value := range tags {
		ec2Tags = append(ec2Tags, ec2types.Tag{Key: aws.String(key), Value: aws.String(value)})
	}

	if _, err := c.api.CreateTags(ctx, &awsec2.CreateTagsInput{
		Resources: []string{id},
		Tags:      ec2Tags,
	}); err != nil {
		return fmt.Errorf("tag instance %s: %w", id, err)
	}
	return nil
}

func fromInstance(instance ec2types.Instance) boxd.Machine {
	machine := boxd.Machine{
		ID:    aws.ToString(instance.InstanceId),
		State: boxd.StateUnknown,
		Tags:  make(map[string]string, len(instance.Tags)),
	}
	if instance.State != nil {
		machine.State = boxd.ParseMachineState(string(instance.State.Name))
	}
	if instance.LaunchTime != nil {
		machine.LaunchedAt = *instance.LaunchTime
	}
	for _, tag := range instance.Tags {
		machine.Tags[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
	}
	return machine
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidInstanceID.NotFound"
}
