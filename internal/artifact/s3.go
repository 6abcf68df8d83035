package artifact

import (
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

type S3Args struct {
	Region string `arg:"--region,env:AWS_REGION" default:"us-west-2" help:"AWS region of the artifact bucket"`
	Bucket string `arg:"--s3-bucket,env:MODEL_S3_BUCKET" help:"mirror checkpoints to this S3 bucket"`
	Prefix string `arg:"--s3-prefix,env:MODEL_S3_PREFIX" help:"key prefix inside the bucket"`
}

// Blob is the object storage the store mirrors artifacts to.
type Blob interface {
	Upload(file io.Reader, fileName, bucketName string) error
	Download(fileName, bucketName string) ([]byte, error)
}

// S3Client talks to S3 through the s3manager helpers.
type S3Client struct {
	uploader   *s3manager.Uploader
	downloader *s3manager.Downloader
}

var _ Blob = S3Client{}

func NewS3Client(args S3Args) S3Client {
	sess := session.Must(session.NewSession(
		&aws.Config{
			Region:                        aws.String(args.Region),
			CredentialsChainVerboseErrors: aws.Bool(true),
		},
	))
	return S3Client{
		uploader:   s3manager.NewUploader(sess),
		downloader: s3manager.NewDownloader(sess),
	}
}

func (c S3Client) Upload(file io.Reader, fileName, bucketName string) error {
	input := s3manager.UploadInput{
		Body:   file,
		Bucket: aws.String(bucketName),
		Key:    aws.String(fileName),
	}
	_, err := c.uploader.Upload(&input)
	return err
}

func (c S3Client) Download(fileName, bucketName string) ([]byte, error) {
	input := s3.GetObjectInput{
		Bucket: aws.String(bucketName),
		Key:    aws.String(fileName),
	}
	buf := aws.WriteAtBuffer{}
	_, err := c.downloader.Download(&buf, &input)
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
